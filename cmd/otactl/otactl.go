// Copyright 2025 The OTA Backend Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// otactl drives the firmware update backend against a file-backed flash
// image, for development and for provisioning images on a host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/machinebox/progress"

	"github.com/embedded-dev/ota-backend/api"
	"github.com/embedded-dev/ota-backend/internal/appdesc"
	"github.com/embedded-dev/ota-backend/internal/bootctl"
	"github.com/embedded-dev/ota-backend/internal/event"
	"github.com/embedded-dev/ota-backend/internal/flash"
	"github.com/embedded-dev/ota-backend/internal/mem"
	"github.com/embedded-dev/ota-backend/internal/ota"
	"github.com/embedded-dev/ota-backend/internal/watchdog"
)

const chunkSize = 4096

type Config struct {
	dev    string
	layout string

	status bool
	create uint

	otaImage string
	otaMD5   string
	target   string

	buffered bool
	poolSize int

	force bool

	boot string
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.StringVar(&conf.dev, "d", "flash.img", "flash image file")
	flag.StringVar(&conf.layout, "t", "layout.yaml", "partition layout")
	flag.BoolVar(&conf.status, "s", false, "show partition table and boot target")
	flag.UintVar(&conf.create, "c", 0, "create a blank flash image with the given number of 512-byte blocks")
	flag.StringVar(&conf.otaImage, "o", "", "flash a firmware image through an update session")
	flag.StringVar(&conf.otaMD5, "m", "", "expected image digest (hex)")
	flag.StringVar(&conf.target, "l", "", "target partition label override (buffered mode)")
	flag.BoolVar(&conf.buffered, "B", false, "buffer the image in auxiliary memory before flashing")
	flag.IntVar(&conf.poolSize, "P", 32*1024*1024, "auxiliary memory pool size in bytes")
	flag.BoolVar(&conf.force, "F", false, "allow flashing an older version")
	flag.StringVar(&conf.boot, "b", "", "switch boot target to the given partition")
}

func main() {
	var err error

	flag.Parse()

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			log.Fatalf("Error: %v", err)
		}
	}()

	switch {
	case conf.create > 0:
		err = create(conf.dev, conf.create)
	case conf.status:
		err = withTable(status)
	case conf.otaImage != "":
		err = withTable(update)
	case conf.boot != "":
		err = withTable(boot)
	}
}

func create(path string, blocks uint) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	b := make([]byte, 512)
	for i := range b {
		b[i] = flash.ErasedByte
	}
	for i := uint(0); i < blocks; i++ {
		if _, err := f.Write(b); err != nil {
			return err
		}
	}
	log.Printf("created %s (%d blocks)", path, blocks)
	return nil
}

// withTable opens the flash image and partition layout and hands them to
// fn.
func withTable(fn func(*flash.Table) error) error {
	dev, err := flash.OpenFileDev(conf.dev)
	if err != nil {
		return err
	}
	defer dev.Close()

	doc, err := os.ReadFile(conf.layout)
	if err != nil {
		return err
	}
	table, err := flash.LoadLayout(dev, doc)
	if err != nil {
		return err
	}
	return fn(table)
}

func status(table *flash.Table) error {
	cur := table.BootTarget()

	for _, p := range table.Partitions() {
		active := ""
		if p == cur {
			active = " (boot target)"
		}
		log.Printf("%s%s", p, active)

		if p.Role() != flash.RoleBoot {
			continue
		}
		if d := readDesc(p); d != nil {
			log.Printf("  %s %s built %s %s", d.Project, d.Version, d.Date, d.Time)
		}
	}
	return nil
}

// readDesc returns the descriptor of the image held by p, or nil.
func readDesc(p *flash.Partition) *appdesc.Desc {
	head := make([]byte, 256)
	if err := p.ReadAt(0, head); err != nil {
		return nil
	}
	d, err := appdesc.Parse(head)
	if err != nil {
		return nil
	}
	return d
}

func update(table *flash.Table) error {
	img, err := readImage(conf.otaImage)
	if err != nil {
		return err
	}

	if err := checkDowngrade(table, img); err != nil {
		return err
	}

	wdt := watchdog.NewSoft(5*time.Second, func() {
		log.Fatal("watchdog expired, aborting")
	})
	defer wdt.Stop()

	events := &event.Notifier{}
	events.Subscribe(func(ev api.Event) {
		if ev.Kind != api.Progress {
			log.Printf("update %s", ev.Kind)
		}
	})

	cfg := ota.Config{
		Table:    table,
		Watchdog: wdt,
		Events:   events,
	}
	if conf.buffered {
		cfg.Pool = mem.NewPool(conf.poolSize)
	}
	backend, err := ota.New(cfg)
	if err != nil {
		return err
	}
	backend.SetExpectedMD5(conf.otaMD5)
	backend.SetTargetPartition(conf.target)

	if code := backend.Begin(len(img)); code != api.Ok {
		return fmt.Errorf("begin: %s", code)
	}

	bar := pb.Full.Start(len(img))
	for off := 0; off < len(img); off += chunkSize {
		end := off + chunkSize
		if end > len(img) {
			end = len(img)
		}
		if code := backend.Write(img[off:end]); code != api.Ok {
			bar.Finish()
			backend.Abort()
			return fmt.Errorf("write at %d: %s", off, code)
		}
		bar.Add(end - off)
	}
	bar.Finish()

	if code := backend.End(); code != api.Ok {
		return fmt.Errorf("end: %s", code)
	}

	if p := table.BootTarget(); p != nil {
		log.Printf("next boot: %s", p)
	}
	return nil
}

// readImage loads a firmware image, logging read progress for large files.
func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, errors.New("empty image")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pr := progress.NewReader(f)
	go func() {
		for p := range progress.NewTicker(ctx, pr, fi.Size(), time.Second) {
			log.Printf("reading %q: %d%%, %v remaining...", path, int(p.Percent()), p.Remaining().Round(time.Second))
		}
	}()

	img := make([]byte, fi.Size())
	if _, err := io.ReadFull(pr, img); err != nil {
		return nil, err
	}
	return img, nil
}

// checkDowngrade refuses to flash an image older than the one the device
// currently boots, unless forced.
func checkDowngrade(table *flash.Table, img []byte) error {
	if conf.force {
		return nil
	}
	next, err := appdesc.Parse(img)
	if err != nil {
		// Images without a descriptor can't be version-checked.
		return nil
	}
	cur := table.BootTarget()
	if cur == nil {
		return nil
	}
	d := readDesc(cur)
	if d == nil {
		return nil
	}

	nv, err := next.Semver()
	if err != nil {
		return nil
	}
	cv, err := d.Semver()
	if err != nil {
		return nil
	}
	if nv.LessThan(*cv) {
		return fmt.Errorf("image version %s is older than booted %s (use -F to force)", nv, cv)
	}
	return nil
}

func boot(table *flash.Table) error {
	ctl := &bootctl.Controller{
		Table: table,
		Restart: func() {
			log.Printf("restart requested")
			os.Exit(0)
		},
	}
	if err := ctl.Activate(conf.boot); err != nil {
		return err
	}
	// Wait out the fire-and-forget restart.
	select {}
}
