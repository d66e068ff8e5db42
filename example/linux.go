//go:build !rp2350

//----------------------------------------------------------------------
// This file is part of apsrv.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// apsrv is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// apsrv is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bfix/apsrv"
	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// build-time default of the gateway address
var Gateway string

var rootCmd = &cobra.Command{
	Use:   "apsrv",
	Short: "Run the access point server with a simulated radio",
	Long: "Run the access point server on the host. The radio is simulated; " +
		"send SIGUSR1 to drop the access point.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	gw := apsrv.DefaultGateway
	if len(Gateway) > 0 {
		gw = Gateway
	}
	def := apsrv.DefaultConfig()
	flags := rootCmd.Flags()
	flags.String("gateway", gw, "gateway address of the access point")
	flags.String("ssid", def.SSID, "network name")
	flags.String("passwd", def.Passwd, "WPA2 passphrase")
	flags.Uint16("port", def.Port, "request port")
	flags.Uint16("status-port", 5640, "9p status port (0 = disabled)")
	flags.String("host", "127.0.0.1", "listen address")
	flags.Duration("start-delay", 200*time.Millisecond, "simulated radio start time")
	flags.Bool("debug", false, "debug logging")

	viper.SetEnvPrefix("APSRV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := newLogger(viper.GetBool("debug"))

	cfg := apsrv.DefaultConfig()
	cfg.Gateway = viper.GetString("gateway")
	cfg.SSID = viper.GetString("ssid")
	cfg.Passwd = viper.GetString("passwd")
	cfg.Port = uint16(viper.GetUint("port"))
	cfg.StatusPort = uint16(viper.GetUint("status-port"))

	radio := apsrv.NewSimRadio(viper.GetDuration("start-delay"))
	dev := apsrv.NewLinuxDevice(viper.GetString("host"), radio, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGUSR1 drops the access point
	drop := make(chan os.Signal, 1)
	signal.Notify(drop, syscall.SIGUSR1)
	defer signal.Stop(drop)
	go func() {
		for {
			select {
			case <-drop:
				logger.Warn("dropping access point")
				radio.Stop()
			case <-ctx.Done():
				return
			}
		}
	}()

	orc := &apsrv.Orchestrator{
		Config: cfg,
		Device: dev,
		Logger: logger,
	}
	err := orc.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newLogger returns a slog logger writing to a zerolog console.
func newLogger(debug bool) *slog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.TraceLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zl := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()
	var lg logr.Logger = zerologr.New(&zl)
	return slog.New(logr.ToSlogHandler(lg))
}
