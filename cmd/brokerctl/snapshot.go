package main

import (
	"fmt"

	"github.com/gomlx/devicebroker/broker"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
)

// snapshot creates numOwners owners, each holding a device (round robin) and a stream on it,
// with every other owner sharing the stream of the previous one, and prints the broker relations.
func snapshot(b *broker.Broker, numOwners int, asJSON bool) error {
	numDevices, err := b.DeviceCount()
	if err != nil {
		return err
	}
	if numDevices == 0 {
		return errors.New("no devices available")
	}
	previous := broker.NoStream
	for i := range numOwners {
		owner := broker.NewOwner()
		device := (i / 2) % numDevices
		if err := b.AcquireDevice(owner, device); err != nil {
			return err
		}
		existing := broker.NoStream
		if i%2 == 1 {
			existing = previous
		}
		if previous, err = b.AcquireStream(owner, device, existing); err != nil {
			return err
		}
	}
	if err := b.CheckConsistency(); err != nil {
		return err
	}

	pb, err := b.Snapshot().ToProto()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Snapshot"))
	if asJSON {
		fmt.Println(protojson.Format(pb))
	} else {
		fmt.Println(prototext.Format(pb))
	}
	return nil
}
