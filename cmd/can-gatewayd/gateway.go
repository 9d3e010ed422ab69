package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zre-motorsports/cantoolkit/internal/busload"
	"github.com/zre-motorsports/cantoolkit/internal/can"
	"github.com/zre-motorsports/cantoolkit/internal/candb"
	"github.com/zre-motorsports/cantoolkit/internal/canframe"
	"github.com/zre-motorsports/cantoolkit/internal/device"
	"github.com/zre-motorsports/cantoolkit/internal/hub"
	"github.com/zre-motorsports/cantoolkit/internal/mdf"
	"github.com/zre-motorsports/cantoolkit/internal/metrics"
	"github.com/zre-motorsports/cantoolkit/internal/transport"
)

const txQueueSize = 1024 // capacity of async TX ring

// busLoadSampleInterval is how often the bus-load gauge is refreshed from
// the running accumulator.
const busLoadSampleInterval = time.Second

// toCANFrame converts a decoded frame into the wire-oriented shape the TCP
// hub and cnl codec still speak.
func toCANFrame(f canframe.Frame) can.Frame {
	var out can.Frame
	out.CANID = f.ID
	if f.Extended {
		out.CANID |= can.CAN_EFF_FLAG
	}
	if f.RTR {
		out.CANID |= can.CAN_RTR_FLAG
	}
	out.Len = f.DLC
	copy(out.Data[:], f.Data[:])
	return out
}

// fromCANFrame is the inverse of toCANFrame, used for frames a TCP client
// asked to have transmitted on the bus.
func fromCANFrame(f can.Frame) canframe.Frame {
	var out canframe.Frame
	out.Extended = f.CANID&can.CAN_EFF_FLAG != 0
	out.RTR = f.CANID&can.CAN_RTR_FLAG != 0
	if out.Extended {
		out.ID = f.CANID & can.CAN_EFF_MASK
	} else {
		out.ID = f.CANID & can.CAN_SFF_MASK
	}
	out.DLC = f.Len
	n := int(f.Len)
	if n > 8 {
		n = 8
	}
	copy(out.Data[:n], f.Data[:n])
	return out
}

// initGateway opens the configured device, builds the signal database and
// (if configured) the MDF log over it, and starts the bus-load sampler. It
// returns a send function the TCP server uses to forward client-originated
// frames to the bus, and a cleanup function releasing every resource
// opened here.
func initGateway(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	dev, err := device.Open(cfg.deviceName, cfg.baud)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open device %s: %w", cfg.deviceName, err)
	}
	l.Info("device_open", "device", cfg.deviceName, "type", dev.DeviceType())

	var mdfFile *os.File
	var mdfLog *mdf.CANBusLog
	if cfg.mdfOutPath != "" {
		mdfFile, err = os.Create(cfg.mdfOutPath)
		if err != nil {
			_ = dev.Close()
			return nil, func() {}, fmt.Errorf("create MDF log %s: %w", cfg.mdfOutPath, err)
		}
		mdfLog, err = mdf.NewCANBusLog(mdfFile, cfg.mdfProgramID, "CAN bus log for "+cfg.deviceName, time.Now())
		if err != nil {
			_ = mdfFile.Close()
			_ = dev.Close()
			return nil, func() {}, fmt.Errorf("start MDF log: %w", err)
		}
		l.Info("mdf_log_open", "path", cfg.mdfOutPath)
	}

	baudrate, _ := dev.Baudrate()
	acc := busload.NewAccumulator(baudrate)
	busChannel := uint8(cfg.busChannel)

	onFrame := func(f canframe.Frame) {
		metrics.IncDeviceRx(cfg.deviceName)
		acc.AddFrame(f)
		if mdfLog != nil {
			if err := mdfLog.AppendFrame(f, busChannel, time.Now()); err != nil {
				l.Warn("mdf_append_error", "error", err)
			} else {
				metrics.AddMDFBytesWritten(mdf.RecordSize)
			}
		}
		h.Broadcast(toCANFrame(f))
	}

	db, err := candb.Open(dev, cfg.dbcPath,
		candb.WithMessageTimeout(cfg.messageTimeout),
		candb.WithFrameSubscriber(onFrame),
	)
	if err != nil {
		if mdfFile != nil {
			_ = mdfFile.Close()
		}
		_ = dev.Close()
		return nil, func() {}, fmt.Errorf("open database: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(busLoadSampleInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				metrics.SetBusLoad(acc.Load(busLoadSampleInterval.Seconds()) * 100)
				acc.Reset()
			case <-ctx.Done():
				return
			}
		}
	}()

	tw := transport.NewAsyncTx(ctx, txQueueSize, func(fr can.Frame) error {
		if err := db.Transmit(fromCANFrame(fr)); err != nil {
			metrics.IncError(metrics.ErrDeviceWrite)
			return err
		}
		metrics.IncDeviceTx(cfg.deviceName)
		return nil
	}, transport.Hooks{
		OnError: func(err error) { l.Warn("device_write_error", "error", err) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrDeviceOverflow)
			return transport.ErrTxOverflow
		},
	})

	cleanup := func() {
		tw.Close()
		if err := db.Close(); err != nil {
			l.Warn("database_close_error", "error", err)
		}
		if mdfFile != nil {
			if err := mdfFile.Close(); err != nil {
				l.Warn("mdf_close_error", "error", err)
			}
		}
	}
	return tw.SendFrame, cleanup, nil
}
