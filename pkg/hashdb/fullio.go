package hashdb

import (
	"errors"
	"io"
)

// readFull reads exactly len(buf) bytes at off. A short read is an error.
func readFull(s storage, buf []byte, off uint64) error {
	if off > uint64(maxInt64) {
		return ioErr("read", -1, io.ErrUnexpectedEOF)
	}

	for done := 0; done < len(buf); {
		n, err := s.ReadAt(buf[done:], int64(off)+int64(done))
		done += n

		if err != nil {
			if done == len(buf) && errors.Is(err, io.EOF) {
				break
			}

			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return ioErr("read", int64(off)+int64(done), err)
		}

		if n == 0 {
			return ioErr("read", int64(off)+int64(done), io.ErrUnexpectedEOF)
		}
	}

	return nil
}

// writeFull writes all of buf at off. A short write is an error.
func writeFull(s storage, buf []byte, off uint64) error {
	if off > uint64(maxInt64) {
		return ioErr("write", -1, io.ErrShortWrite)
	}

	for done := 0; done < len(buf); {
		n, err := s.WriteAt(buf[done:], int64(off)+int64(done))
		done += n

		if err != nil {
			return ioErr("write", int64(off)+int64(done), err)
		}

		if n == 0 {
			return ioErr("write", int64(off)+int64(done), io.ErrShortWrite)
		}
	}

	return nil
}
