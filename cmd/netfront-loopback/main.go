// Command netfront-loopback wires the in-process reference collaborators
// end to end and drives the public netfront API against a simulated
// loopback back-end, the way the teacher's local/main.go and
// server_test.go's LaunchCustomExampleServer demo a client against a fake
// peer (DESIGN.md).
package main

import (
	"context"
	"fmt"
	"time"

	evtchnmem "github.com/brodyxchen/netfront/evtchn/memimpl"
	grantmem "github.com/brodyxchen/netfront/grant/memimpl"
	"github.com/brodyxchen/netfront/netfront"
	pageheapmem "github.com/brodyxchen/netfront/pageheap/memimpl"
	"github.com/brodyxchen/netfront/testpeer"
	xenstoremem "github.com/brodyxchen/netfront/xenstore/memimpl"
)

func main() {
	store := xenstoremem.New()
	galloc := grantmem.New()
	palloc := pageheapmem.New()
	evt := evtchnmem.New()

	const deviceID = 0
	const backendDomID = 1

	if err := testpeer.SeedDevice(store, deviceID, backendDomID, "aa:bb:cc:dd:ee:ff", map[string]bool{
		"sg":      true,
		"rx-copy": true,
		"rx-flip": false,
	}); err != nil {
		panic(err)
	}

	driver := netfront.NewDriver(netfront.Collaborators{
		Store: store,
		Grant: galloc,
		Page:  palloc,
		Evt:   evt,
	}, netfront.Options{})

	dev, err := driver.Connect(fmt.Sprintf("%d", deviceID))
	if err != nil {
		panic(err)
	}
	fmt.Printf("connected vif%d mac=%x features=%+v\n", dev.ID(), dev.Mac(), dev.Features())

	peer, err := testpeer.Attach(store, galloc, evt, deviceID)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := peer.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Println("peer error:", err)
		}
	}()

	received := make(chan []byte, 1)
	go func() {
		if err := dev.Listen(ctx, func(frame []byte) {
			cp := append([]byte(nil), frame...)
			received <- cp
		}); err != nil && ctx.Err() == nil {
			fmt.Println("listen error:", err)
		}
	}()

	frame := make([]byte, 60)
	for i := range frame {
		frame[i] = 0xAA
	}
	if err := dev.Write(ctx, frame); err != nil {
		panic(err)
	}

	select {
	case got := <-received:
		fmt.Printf("echoed back %d bytes\n", len(got))
	case <-time.After(2 * time.Second):
		fmt.Println("timed out waiting for echo")
	}

	snap := dev.GetStats()
	fmt.Printf("stats: %+v\n", snap)
}
