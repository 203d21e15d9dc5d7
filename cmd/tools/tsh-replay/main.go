// Command tsh-replay decodes the TSH-ES accelerometer frames in a pcap
// capture and prints them, or a per-sensor summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/tsh/network"
	"github.com/banshee-data/tshcal/internal/tsh/packet"
)

type sensorTotals struct {
	packets int
	samples int
	rates   map[float64]int
	first   float64
	last    float64
}

func main() {
	pcapFile := flag.String("pcap", "", "Capture file to replay (required)")
	port := flag.Int("port", 9750, "TCP source port of the sensor stream")
	printAll := flag.Bool("print", false, "Print every decoded packet")
	verbose := flag.Bool("v", false, "Verbose decoder logging")
	flag.Parse()

	if *pcapFile == "" {
		fmt.Fprintln(os.Stderr, "usage: tsh-replay -pcap <file> [-port 9750] [-print]")
		os.Exit(2)
	}
	if *verbose {
		monitoring.SetDebugLogger(log.Printf)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := network.NewStreamStats()
	totals := make(map[string]*sensorTotals)
	n, err := network.ReplayPCAP(ctx, *pcapFile, *port, stats, func(p *packet.AccelPacket) error {
		if *printAll {
			fmt.Println(p)
		}
		t, ok := totals[p.SensorID]
		if !ok {
			t = &sensorTotals{rates: make(map[float64]int), first: p.Time}
			totals[p.SensorID] = t
		}
		t.packets++
		t.samples += len(p.Samples)
		t.rates[p.Rate.Hz]++
		t.last = p.EndTime()
		return nil
	})
	stats.LogStats()
	if err != nil {
		log.Fatalf("replay failed after %d packets: %v", n, err)
	}

	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := totals[id]
		fmt.Printf("%s: %d packets, %d samples over %.3fs", id, t.packets, t.samples, t.last-t.first)
		rates := make([]float64, 0, len(t.rates))
		for rate := range t.rates {
			rates = append(rates, rate)
		}
		sort.Float64s(rates)
		for _, rate := range rates {
			fmt.Printf(", %.4f sa/sec x%d", rate, t.rates[rate])
		}
		fmt.Println()
	}
}
