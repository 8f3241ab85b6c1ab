//go:build !unix

package tty

import (
	"io"

	"github.com/tarm/serial"
)

func openPort(name string, baud int) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud})
}
