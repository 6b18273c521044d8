package app

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// test seams for the terminal
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

var errNoPassphrase = errors.New("no passphrase configured and stdin is not a terminal")

// passphrase returns the configured keyring passphrase or asks for it on
// the terminal without echo.
func passphrase(configured string, w io.Writer) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}

	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		return nil, errNoPassphrase
	}

	if _, err := fmt.Fprint(w, "Enter keyring passphrase: "); err != nil {
		return nil, err
	}
	pw, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if len(pw) == 0 {
		return nil, errors.New("empty passphrase")
	}
	return pw, nil
}
