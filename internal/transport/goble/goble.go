// Package goble adapts github.com/go-ble/ble to the callback-style transport
// contract in internal/device. The go-ble client API is blocking; every request
// here returns immediately and reports its outcome through the registered
// handler from a named goroutine.
package goble

import (
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/gattmgr/internal/device"
)

// GATTClient is the subset of ble.Client the link adapter uses.
type GATTClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// disconnectNotifier is implemented by clients that report link loss (darwin, linux HCI).
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// statusOf maps a go-ble error to the closest GATT status code.
func statusOf(err error) device.Status {
	if err == nil {
		return device.StatusSuccess
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "read not permitted"):
		return device.StatusReadNotPermitted
	case strings.Contains(msg, "write not permitted"):
		return device.StatusWriteNotPermitted
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "encryption"):
		return device.StatusInsufficientAuthentication
	case strings.Contains(msg, "not supported"):
		return device.StatusRequestNotSupported
	}

	switch device.KindOf(device.NormalizeError(err)) {
	case device.KindPeerDisconnected:
		return device.StatusFailure
	default:
		return device.StatusGattError
	}
}

// findCharacteristic looks charID up in profile. An empty serviceID searches every service.
func findCharacteristic(profile *ble.Profile, serviceID, charID string) *ble.Characteristic {
	if profile == nil {
		return nil
	}
	svc := device.NormalizeUUID(serviceID)
	char := device.NormalizeUUID(charID)

	for _, s := range profile.Services {
		if svc != "" && device.NormalizeUUID(s.UUID.String()) != svc {
			continue
		}
		for _, c := range s.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == char {
				return c
			}
		}
	}
	return nil
}
