/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ChanDelayFor returns the chandelay grace window for a channel name
// (spec §3, §4.1): "!"-channels get UniqueChanDelayMultiplier times the
// default window because their short, randomly-minted names are far more
// likely to collide across two servers racing to recreate one.
func ChanDelayFor(name string) time.Duration {
	base := time.Duration(DefaultChanDelay) * time.Second
	if strings.HasPrefix(name, "!") {
		return base * UniqueChanDelayMultiplier
	}
	return base
}

// ChanDelaySweeper periodically destroys channels whose member count has
// been zero for longer than their chandelay window (component B §4.1).
// Destruction itself is just removing the channel from the store — once
// unreferenced, its Membership arena slots were already freed as each
// member parted, so there is nothing left to unwind.
type ChanDelaySweeper struct {
	channels *ChanMap
	log      *logrus.Entry
	interval time.Duration
	stop     chan struct{}
}

// NewChanDelaySweeper builds a sweeper over channels, logging through log.
func NewChanDelaySweeper(channels *ChanMap, log *logrus.Logger, interval time.Duration) *ChanDelaySweeper {
	return &ChanDelaySweeper{
		channels: channels,
		log:      log.WithField("component", "chandelay"),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Run blocks, sweeping on every tick of interval until Stop is called. It
// is launched as one supervised goroutine (cmd/relayd/main.go runs it in a
// conc.WaitGroup, whose Wait re-raises a panic from here in main).
func (s *ChanDelaySweeper) Run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(time.Now())
		case <-s.stop:
			return
		}
	}
}

// Stop ends the sweep loop.
func (s *ChanDelaySweeper) Stop() {
	close(s.stop)
}

// Sweep destroys every channel that is both empty and past its chandelay
// deadline as of now. Exported directly so tests can drive it without
// waiting on a real ticker.
func (s *ChanDelaySweeper) Sweep(now time.Time) {
	var destroy []string

	s.channels.ForEach(func(ch *Channel) {
		if ch.MemberCount() != 0 {
			return
		}
		lock := ch.ChanLock()
		if lock.IsZero() || now.Before(lock) {
			return
		}
		destroy = append(destroy, ch.Name())
	})

	for _, name := range destroy {
		if err := s.channels.Del(name); err != nil {
			continue
		}
		s.log.WithField("channel", name).Debug("destroyed empty channel past chandelay")
	}
}
