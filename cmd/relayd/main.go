/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package main

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	irc "github.com/btnmasher/relayd"

	"github.com/sirupsen/logrus"
)

func main() {
	wg := conc.NewWaitGroup()
	defer wg.Wait()

	logger := logrus.New()

	server := irc.NewServer(
		irc.WithHostname("relay.localhost.net"),
		irc.WithNetwork("relaynet"),
		irc.WithSID("1RL"),
		irc.WithDescription("relay core instance"),
		irc.WithLogger(logger),
		irc.WithLogLevel(logrus.DebugLevel),
		irc.WithDefaultLogFormatter(),
		irc.WithGracefulShutdown(syscall.SIGINT, syscall.SIGTERM),
		irc.WithChanDelay(2*time.Minute),
	)

	irc.Warmup(logger)

	log := logger.WithField("component", "main")

	sweeper := irc.NewChanDelaySweeper(server.Channels, logger, time.Minute)
	wg.Go(sweeper.Run)

	wg.Go(func() {
		defer sweeper.Stop()
		//server.ListenAndServeTLS("server.pem", "server.key")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, irc.ErrServerClosed) {
			log.Fatal(fmt.Errorf("failed to start server: %w", err))
		}
	})
}
