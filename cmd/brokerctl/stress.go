package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/huh/spinner"
	"github.com/gomlx/devicebroker/broker"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// stress runs numOwners concurrent owners, each doing numRounds of: acquire a device (round
// robin), create a stream and join the shared stream of the device, synchronize both, release
// everything. At the end the broker relations must be consistent and hold only the shared streams.
func stress(b *broker.Broker, numOwners, numRounds int, quiet bool) error {
	numDevices, err := b.DeviceCount()
	if err != nil {
		return err
	}
	if numDevices == 0 {
		return errors.New("no devices available")
	}

	// The anchor holds every device, so they aren't reset while owners come and go.
	anchor := broker.NewOwner()
	shared := make([]broker.Stream, numDevices)
	for device := range numDevices {
		if err := b.AcquireDevice(anchor, device); err != nil {
			return err
		}
		if shared[device], err = b.AcquireStream(anchor, device, broker.NoStream); err != nil {
			return err
		}
	}

	var rounds atomic.Int64
	run := func() error {
		var g errgroup.Group
		for i := range numOwners {
			g.Go(func() error {
				owner := broker.NewOwner()
				for round := range numRounds {
					if err := stressRound(b, owner, (i+round)%numDevices, shared); err != nil {
						return errors.WithMessagef(err, "%s, round %d", owner, round)
					}
					rounds.Add(1)
				}
				return nil
			})
		}
		return g.Wait()
	}

	start := time.Now()
	if quiet {
		err = run()
	} else {
		spinnerErr := spinner.New().
			Title(fmt.Sprintf("Stressing %d devices with %d owners x %d rounds…", numDevices, numOwners, numRounds)).
			Action(func() { err = run() }).
			Run()
		if spinnerErr != nil {
			return errors.Wrap(spinnerErr, "failed to run spinner")
		}
	}
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if err := b.CheckConsistency(); err != nil {
		return errors.WithMessage(err, "inconsistent relations after stress")
	}
	snap := b.Snapshot()
	if len(snap.Streams) != numDevices || len(snap.OwnerDevices) != numDevices {
		return errors.Errorf("expected only the %d shared streams and device holds to be left, got %d streams and %d owner/device entries",
			numDevices, len(snap.Streams), len(snap.OwnerDevices))
	}
	for device := range numDevices {
		if err := b.ReleaseDevice(anchor, device); err != nil {
			return err
		}
	}

	fmt.Println(titleStyle.Render("Stress"))
	printField("devices", numDevices)
	printField("owners", numOwners)
	printField("rounds", rounds.Load())
	printField("elapsed", elapsed)
	printField("rounds/s", fmt.Sprintf("%.1f", float64(rounds.Load())/elapsed.Seconds()))
	return nil
}

func stressRound(b *broker.Broker, owner broker.Owner, device int, shared []broker.Stream) error {
	if err := b.AcquireDevice(owner, device); err != nil {
		return err
	}
	stream, err := b.AcquireStream(owner, device, broker.NoStream)
	if err != nil {
		return err
	}
	if _, err := b.AcquireStream(owner, device, shared[device]); err != nil {
		return err
	}
	for _, s := range []broker.Stream{stream, shared[device]} {
		if err := b.SynchronizeStream(s); err != nil {
			return err
		}
	}
	if got, err := b.QueryDeviceForStream(stream); err != nil {
		return err
	} else if got != device {
		return errors.Errorf("%s bound to device %d, expected %d", stream, got, device)
	}
	if err := b.ReleaseStream(owner, stream, device); err != nil {
		return err
	}
	// Releasing the device also retires owner from the shared stream.
	return b.ReleaseDevice(owner, device)
}
