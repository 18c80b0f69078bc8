package tigon

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/config"
	"github.com/slackhq/tigon/dma"
	"github.com/slackhq/tigon/emulator"
	"github.com/slackhq/tigon/hw"
	"github.com/slackhq/tigon/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main builds a device and everything around it from c. Nothing runs until
// [Control.Start]. When configTest is set the config is only validated and a
// nil Control is returned.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	cfg, err := NewDeviceConfigFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to load the device config", nil, err)
	}

	registry := metrics.NewPrefixedChildRegistry(metrics.DefaultRegistry, cfg.Name+".")

	t, err := newTrafficFromConfig(l, c, registry, cfg.MaxFrameSize(), configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure traffic", nil, err)
	}
	c.RegisterReloadCallback(t.reload)

	statsStart, err := startStats(l, c, metrics.DefaultRegistry, buildVersion, configTest)
	if err != nil {
		t.Close()
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		if _, err := newLinkStatusFromConfig(l, c, nil); err != nil {
			return nil, util.NewContextualError("Failed to configure the link", nil, err)
		}
		return nil, nil
	}

	region, err := dma.NewRegion(cfg.MemorySize(), cfg.BusBase)
	if err != nil {
		t.Close()
		return nil, util.NewContextualError("Failed to map DMA memory", m{"size": humanize.IBytes(uint64(cfg.MemorySize()))}, err)
	}

	// Everything past here owns DMA memory.
	fail := func(msg string, fields m, err error) (*Control, error) {
		region.Close()
		t.Close()
		return nil, util.NewContextualError(msg, fields, err)
	}

	slab, err := dma.NewSlab(region, cfg.BufferClasses()...)
	if err != nil {
		return fail("Failed to set up packet buffers", nil, err)
	}

	emu := emulator.New(l, region, emulatorOptionsFromConfig(c)...)

	link, err := newLinkStatusFromConfig(l, c, emu)
	if err != nil {
		return fail("Failed to configure the link", nil, err)
	}

	dev, err := NewDevice(context.Background(), l, cfg, emu, region, slab, WithLink(link), WithMetricsRegistry(registry))
	if err != nil {
		return fail("Failed to initialize the device", m{"name": cfg.Name, "chip": cfg.Chip}, err)
	}

	l.WithFields(logrus.Fields{
		"dmaMemory": humanize.IBytes(uint64(region.Size())),
		"dmaFree":   humanize.IBytes(uint64(region.Free())),
		"busBase":   fmt.Sprintf("%#x", cfg.BusBase),
	}).Debug("DMA memory mapped")

	return &Control{
		l:            l,
		config:       c,
		dev:          dev,
		emu:          emu,
		region:       region,
		traffic:      t,
		pollInterval: c.GetDuration("interrupt.poll_interval", 0),
		statsStart:   statsStart,
	}, nil
}

func emulatorOptionsFromConfig(c *config.C) []emulator.Option {
	opts := []emulator.Option{
		emulator.WithLink(hw.LinkState{
			Up:         c.GetBool("emulator.link.up", true),
			SpeedMbps:  c.GetInt("emulator.link.speed", 1000),
			FullDuplex: c.GetBool("emulator.link.full_duplex", true),
		}),
	}
	if c.GetBool("emulator.loopback", true) {
		opts = append(opts, emulator.WithLoopback())
	}
	return opts
}
