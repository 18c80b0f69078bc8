package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon"
	"github.com/slackhq/tigon/config"
)

type program struct {
	logger     service.Logger
	configPath string
	configTest bool
	build      string
	control    *tigon.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	p.logger.Info("Tigon service starting.")

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(p.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %s", err)
	}

	p.control, err = tigon.Main(c, p.configTest, p.build, l)
	if err != nil {
		return err
	}
	if p.control == nil {
		// Only the config was tested.
		return nil
	}

	p.control.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.logger.Info("Tigon service stopping.")
	if p.control != nil {
		p.control.Stop()
	}
	return nil
}

func doService(configPath string, configTest bool, build string, action string) error {
	if configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			return err
		}
		configPath = filepath.Join(filepath.Dir(ex), "config.yaml")
	}

	svcConfig := &service.Config{
		Name:        "Tigon",
		DisplayName: "Tigon Ring Engine",
		Description: "Drives a Tigon3 class NIC through its descriptor rings",
		Arguments:   []string{"-service", "run", "-config", configPath},
	}

	prg := &program{
		configPath: configPath,
		configTest: configTest,
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		return err
	}

	errs := make(chan error, 5)
	prg.logger, err = s.Logger(errs)
	if err != nil {
		return err
	}

	go func() {
		for err := range errs {
			if err != nil {
				log.Print(err)
			}
		}
	}()

	if action == "run" {
		return s.Run()
	}

	err = service.Control(s, action)
	if err != nil {
		log.Printf("Valid actions: %q\n", service.ControlAction)
		return err
	}
	return nil
}
