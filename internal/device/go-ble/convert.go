package goble

import (
	"fmt"
	"sort"

	"github.com/go-ble/ble"

	"github.com/srg/blemux/pkg/device"
)

// txPowerAbsent is what go-ble reports when an advertisement carries no TX power level.
const txPowerAbsent = 127

// toAdvertisement copies a go-ble scan result into the device model.
func toAdvertisement(adv ble.Advertisement) device.Advertisement {
	out := device.Advertisement{
		Address:          adv.Addr().String(),
		LocalName:        adv.LocalName(),
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		ManufacturerData: adv.ManufacturerData(),
	}

	for _, u := range adv.Services() {
		out.Services = append(out.Services, device.NormalizeUUID(u.String()))
	}
	sort.Strings(out.Services)

	if sd := adv.ServiceData(); len(sd) > 0 {
		out.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			out.ServiceData[device.NormalizeUUID(d.UUID.String())] = d.Data
		}
	}

	if tx := adv.TxPowerLevel(); tx != txPowerAbsent {
		out.TxPower = &tx
	}
	return out
}

var propertyMap = []struct {
	ble ble.Property
	dev device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropAuthenticatedSignedWrites},
	{ble.CharExtended, device.PropExtendedProperties},
}

func toProperty(p ble.Property) device.Property {
	var out device.Property
	for _, m := range propertyMap {
		if p&m.ble != 0 {
			out |= m.dev
		}
	}
	return out
}

func fromProperty(p device.Property) ble.Property {
	var out ble.Property
	for _, m := range propertyMap {
		if p&m.dev != 0 {
			out |= m.ble
		}
	}
	return out
}

// parseUUIDs turns normalized UUID strings into go-ble filters.
func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	out := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := ble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// matchesServices reports whether adv advertises any of filter. An empty
// filter matches everything.
func matchesServices(adv device.Advertisement, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, have := range adv.Services {
			if device.NormalizeUUID(want) == have {
				return true
			}
		}
	}
	return false
}
