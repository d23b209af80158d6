package ess

import (
	"context"
	"errors"
	"testing"

	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModbus struct {
	regs    map[uint16]uint32
	writes  []uint16
	opened  int
	closed  int
	openErr error
}

func (f *fakeModbus) Open() error {
	f.opened++
	return f.openErr
}

func (f *fakeModbus) Close() error {
	f.closed++
	return nil
}

func (f *fakeModbus) ReadUint32(addr uint16, regType modbus.RegType) (uint32, error) {
	v, ok := f.regs[addr]
	if !ok {
		return 0, errors.New("illegal data address")
	}
	return v, nil
}

func (f *fakeModbus) WriteUint32(addr uint16, value uint32) error {
	f.regs[addr] = value
	f.writes = append(f.writes, addr)
	return nil
}

func newTestModbus(f *fakeModbus) *Modbus {
	m := &Modbus{
		url:         "tcp://inverter:502",
		unitID:      smaDefaultUnitID,
		chargeWatts: 5000,
	}
	m.newClient = func() (modbusClient, error) {
		return f, nil
	}
	return m
}

func TestModbus(t *testing.T) {
	ctx := context.Background()

	t.Run("Telemetry", func(t *testing.T) {
		f := &fakeModbus{regs: map[uint16]uint32{
			smaRegSOC:         47,
			smaRegGridDraw:    2300,
			smaRegControlMode: smaControlInactive,
		}}
		tel, err := newTestModbus(f).GetTelemetry(ctx)
		require.NoError(t, err)
		assert.Equal(t, 47.0, *tel.StateOfChargePct)
		assert.Equal(t, 2300.0, *tel.ConsumptionWatts)
		assert.False(t, *tel.ObservedHardwareCharging)
		assert.Equal(t, 1, f.opened)
		assert.Equal(t, 1, f.closed)
	})

	t.Run("NaNIsNil", func(t *testing.T) {
		f := &fakeModbus{regs: map[uint16]uint32{
			smaRegSOC:      smaNaN,
			smaRegGridDraw: 100,
		}}
		tel, err := newTestModbus(f).GetTelemetry(ctx)
		require.NoError(t, err)
		assert.Nil(t, tel.StateOfChargePct)
		// unreadable control mode leaves the charging state unknown
		assert.Nil(t, tel.ObservedHardwareCharging)
	})

	t.Run("ReadError", func(t *testing.T) {
		f := &fakeModbus{regs: map[uint16]uint32{}}
		_, err := newTestModbus(f).GetTelemetry(ctx)
		assert.ErrorContains(t, err, "30845")
		assert.Equal(t, 1, f.closed)
	})

	t.Run("OpenError", func(t *testing.T) {
		f := &fakeModbus{regs: map[uint16]uint32{}, openErr: errors.New("connection refused")}
		err := newTestModbus(f).SetForceCharge(ctx, true)
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("ForceCharge", func(t *testing.T) {
		f := &fakeModbus{regs: map[uint16]uint32{}}
		m := newTestModbus(f)

		require.NoError(t, m.SetForceCharge(ctx, true))
		assert.Equal(t, []uint16{smaRegActivePowerSet, smaRegControlMode}, f.writes)
		assert.Equal(t, int32(-5000), int32(f.regs[smaRegActivePowerSet]))
		assert.Equal(t, smaControlActive, f.regs[smaRegControlMode])

		require.NoError(t, m.SetForceCharge(ctx, false))
		assert.Equal(t, smaControlInactive, f.regs[smaRegControlMode])
	})

	t.Run("Validate", func(t *testing.T) {
		m := &Modbus{unitID: 3, chargeWatts: 5000}
		assert.Error(t, m.Validate())
		m.url = "tcp://inverter:502"
		assert.NoError(t, m.Validate())
		m.chargeWatts = 0
		assert.Error(t, m.Validate())
	})
}
