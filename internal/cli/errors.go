package cli

import "errors"

// Error variables for hdbtool commands.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrDBPathEmpty        = errors.New("db cannot be empty")
	ErrKeyRequired        = errors.New("key is required")
	ErrTooManyArgs        = errors.New("too many arguments")
	ErrValueConflict      = errors.New("value given both as argument and --file")
	ErrInvalidIO          = errors.New("io must be mmap or direct")
	ErrCheckFailed        = errors.New("consistency check failed")
)
