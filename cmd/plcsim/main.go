// Package main runs a standalone MC protocol PLC simulator for local
// development against the collector.
package main

import (
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/adapter/melsec"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/pkg/logging"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5000", "listen address")
	variant := flag.String("variant", string(domain.Variant3E), "protocol variant (3E or 4C)")
	tick := flag.Duration("tick", time.Second, "interval between simulated process updates (0 disables)")
	trigger := flag.String("trigger", "M100", "bit raised on every tenth tick for handshake groups (empty disables)")
	flag.Parse()

	logger := logging.New("plcsim", "1.0.0")

	v := domain.ProtocolVariant(*variant)
	if v != domain.Variant3E && v != domain.Variant4C {
		logger.Fatal().Str("variant", *variant).Msg("Unknown protocol variant")
	}

	var triggerReg *domain.RegisterRequest
	if *trigger != "" {
		reg, err := domain.ParseRegister(*trigger, domain.DataTypeBool)
		if err != nil {
			logger.Fatal().Err(err).Str("trigger", *trigger).Msg("Invalid trigger register")
		}
		triggerReg = &reg
	}

	sim, err := melsec.NewSimulator(*addr, v, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", *addr).Msg("Failed to start simulator")
	}
	logger.Info().Str("addr", sim.Addr()).Str("variant", *variant).Msg("PLC simulator listening")

	done := make(chan struct{})
	if *tick > 0 {
		go run(sim, *tick, triggerReg, done)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(done)

	if err := sim.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing simulator")
	}
	logger.Info().
		Uint64("requests", sim.Requests()).
		Uint64("writes", sim.Writes()).
		Msg("PLC simulator stopped")
}

// run moves a counter in D100, a sine wave in D200 (FLOAT) and a toggling
// input X1F, and raises the trigger bit every tenth tick.
func run(sim *melsec.Simulator, tick time.Duration, trigger *domain.RegisterRequest, done <-chan struct{}) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		n++
		sim.SetWord(domain.RegisterD, 100, uint16(n))
		sim.SetFloat(domain.RegisterD, 200, float32(math.Sin(float64(n)/10)*100))
		sim.SetBit(domain.RegisterX, 0x1F, nil, n%2 == 0)
		if trigger != nil && n%10 == 0 {
			sim.SetBit(trigger.Type, trigger.Address, trigger.Bit, true)
		}
	}
}
