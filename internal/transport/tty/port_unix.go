//go:build unix

package tty

import (
	"io"
	"os"

	"github.com/tarm/serial"
	"golang.org/x/sys/unix"
)

// openPort sets up the line through the serial package, then reopens the
// device non-blocking. The second descriptor belongs to the runtime poller,
// so Close interrupts a Read that is waiting for the peer. The serial port
// stays open to hold the line settings until Close.
func openPort(name string, baud int) (io.ReadWriteCloser, error) {
	line, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(name, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		_ = line.Close()
		return nil, err
	}
	return &polledPort{File: f, line: line}, nil
}

type polledPort struct {
	*os.File
	line *serial.Port
}

func (p *polledPort) Close() error {
	err := p.File.Close()
	_ = p.line.Close()
	return err
}
