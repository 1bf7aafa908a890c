package cli

import (
	"encoding/hex"
	"errors"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

// withDB opens the configured database in mode, runs fn and closes it. A
// close error is reported unless fn already failed.
func withDB(cfg *Config, log *zap.Logger, mode hashdb.Mode, fn func(db *hashdb.DB) error) (err error) {
	db, err := hashdb.Open(cfg.DBAbs, mode, cfg.Options(log))
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, db.Close())
	}()

	return fn(db)
}

// formatBytes renders a key or value for listing: printable UTF-8 as is,
// anything else as 0x-prefixed hex.
func formatBytes(b []byte) string {
	if isPrintable(b) {
		return string(b)
	}

	return "0x" + hex.EncodeToString(b)
}

func isPrintable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}

	for _, r := range string(b) {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}

	return true
}

// parseKeyArg turns a key argument into bytes. A 0x prefix with valid hex
// after it is decoded; everything else is taken literally.
func parseKeyArg(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrKeyRequired
	}

	if len(s) > 2 && s[:2] == "0x" {
		if raw, err := hex.DecodeString(s[2:]); err == nil {
			return raw, nil
		}
	}

	return []byte(s), nil
}
