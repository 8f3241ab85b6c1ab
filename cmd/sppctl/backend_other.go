//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"btserial/internal/spp"
)

func newBackend(*app) (spp.Backend, func(), error) {
	return spp.Backend{}, nil, fmt.Errorf("sppctl: no Bluetooth backend for %s", runtime.GOOS)
}
