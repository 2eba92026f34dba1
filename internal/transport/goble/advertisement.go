package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/gattmgr/internal/device"
)

// AD structure types (Bluetooth Core Supplement, part A).
const (
	adCompleteList16  = 0x03
	adCompleteList32  = 0x05
	adCompleteList128 = 0x07
	adCompleteName    = 0x09
	adTxPower         = 0x0A
	adServiceData16   = 0x16
	adServiceData32   = 0x20
	adServiceData128  = 0x21
	adManufacturer    = 0xFF

	// txPowerUnknown is what go-ble reports when no TX power level was advertised.
	txPowerUnknown = 127
)

// advertisement is the subset of ble.Advertisement used to build records.
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
	RSSI() int
	Addr() ble.Addr
}

func recordOf(adv advertisement) device.Record {
	return device.NewRecord(adv.Addr().String(), adv.LocalName(), adv.RSSI(), rawAdvertisement(adv))
}

// advertises reports whether adv lists one of the normalized service filters.
// An empty filter matches everything.
func advertises(adv advertisement, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, svc := range adv.Services() {
		uuid := device.NormalizeUUID(svc.String())
		for _, f := range filters {
			if uuid == f {
				return true
			}
		}
	}
	return false
}

// rawAdvertisement re-encodes the parsed advertisement fields as AD structures,
// since go-ble does not expose the received PDU.
func rawAdvertisement(adv advertisement) []byte {
	var out []byte
	put := func(typ byte, data []byte) {
		if len(data) == 0 || len(data) > 254 {
			return
		}
		out = append(out, byte(len(data)+1), typ)
		out = append(out, data...)
	}

	if name := adv.LocalName(); name != "" {
		put(adCompleteName, []byte(name))
	}

	var list16, list32, list128 []byte
	for _, u := range adv.Services() {
		switch len(u) {
		case 2:
			list16 = append(list16, u...)
		case 4:
			list32 = append(list32, u...)
		case 16:
			list128 = append(list128, u...)
		}
	}
	put(adCompleteList16, list16)
	put(adCompleteList32, list32)
	put(adCompleteList128, list128)

	if tx := adv.TxPowerLevel(); tx != txPowerUnknown {
		put(adTxPower, []byte{byte(int8(tx))})
	}

	for _, sd := range adv.ServiceData() {
		var typ byte
		switch len(sd.UUID) {
		case 2:
			typ = adServiceData16
		case 4:
			typ = adServiceData32
		case 16:
			typ = adServiceData128
		default:
			continue
		}
		put(typ, append(append([]byte{}, sd.UUID...), sd.Data...))
	}

	put(adManufacturer, adv.ManufacturerData())
	return out
}
