package goble

import (
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// DeviceFactory creates the platform ble.Device. Tests may replace it.
var DeviceFactory = newDevice

// Open creates the platform device and returns a link and a radio sharing it.
// A factory failure is returned together with a disabled radio so callers can
// still report RadioDisabled through the normal state flow.
func Open(logger *logrus.Logger) (*Link, *Radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return NewLink(unavailableDialer(err), logger), NewRadio(nil, logger), err
	}
	ble.SetDefaultDevice(dev)
	return NewLink(DeviceDialer(dev), logger), NewRadio(dev, logger), nil
}
