//go:build !linux
// +build !linux

package platformx

const canBindToDevice = false
