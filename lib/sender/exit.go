// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"context"

	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/version"
)

// handleExit records the exit code and starts the defer sequence. A
// repeated exit record is ignored.
func (s *Sender) handleExit(r *record.Record) {
	if s.exiting {
		s.logger.Warn("duplicate exit record ignored", "exit_code", r.Exit.ExitCode)
		return
	}
	s.exiting = true
	s.exitCode = r.Exit.ExitCode
	if r.Control.ReqResp {
		s.exitUUID = r.UUID
	}
	s.logger.Info("run exiting", "exit_code", s.exitCode)
	s.publish(record.NewDefer(record.DeferBegin))
}

// handleDefer runs the sender's action for state and publishes the
// request for the following phase.
func (s *Sender) handleDefer(ctx context.Context, state record.DeferState) error {
	next, act := Advance(s.deferNext, state)
	if !act {
		s.logger.Debug("defer request ignored", "state", state, "expected", s.deferNext)
		return nil
	}
	s.deferNext = next
	s.logger.Debug("defer phase", "state", state)

	switch state {
	case record.DeferFlushDir:
		s.flushOutput()
		s.closeOutput()
		if s.dirs != nil {
			if err := s.dirs.Finish(); err != nil {
				s.logger.Warn("final directory sweep incomplete", "error", err)
			}
		}
	case record.DeferFlushPusher:
		if s.pusher != nil {
			s.pusher.Finish()
		}
	case record.DeferFlushFileStream:
		if s.stream != nil {
			s.stream.Finish(s.exitCode)
		}
	case record.DeferFlushFinal:
		s.publish(record.NewRecord(&record.FinalRecord{}))
		s.publish(record.NewRecord(&record.FooterRecord{}))
	case record.DeferEnd:
		s.completeExit(ctx)
		return nil
	}
	s.publish(record.NewDefer(next))
	return nil
}

// completeExit makes the exit result available to poll_exit and, when
// the exit record asked for a reply, delivers it once uploads drain.
func (s *Sender) completeExit(ctx context.Context) {
	s.exitResult = &record.ExitResult{ExitCode: s.exitCode}
	if s.exitUUID == "" {
		return
	}
	if s.pusher != nil {
		if err := s.pusher.Wait(ctx); err != nil {
			s.logger.Warn("uploads did not drain before exit", "error", err)
		}
	}
	result := *s.exitResult
	s.respond(&record.Result{UUID: s.exitUUID, Exit: &result})
	s.exitUUID = ""
}

func (s *Sender) handlePollExit(r *record.Record) {
	response := &record.PollExitResponse{}
	alive := false
	if s.pusher != nil {
		alive, response.PusherStats = s.pusher.Status()
		response.FileCounts = s.pusher.FileCountsByCategory()
	}
	if s.exitResult != nil && !alive {
		result := *s.exitResult
		response.Done = true
		response.ExitResult = &result
	}
	s.reply(r, &record.Response{PollExit: response})
}

// handleStatus checks for a stop requested on the backend. Failures
// read as "keep running".
func (s *Sender) handleStatus(ctx context.Context, r *record.Record) {
	response := &record.StatusResponse{}
	if s.run != nil {
		stop, err := s.api.CheckStopRequested(ctx, s.ref)
		if err != nil {
			s.logger.Warn("stop check failed", "error", err)
		} else {
			response.RunShouldStop = stop
		}
	}
	s.reply(r, &record.Response{Status: response})
}

func (s *Sender) handleCheckVersion(ctx context.Context, r *record.Record) {
	current := version.Version
	if r.Request.CheckVersion != nil && r.Request.CheckVersion.CurrentVersion != "" {
		current = r.Request.CheckVersion.CurrentVersion
	}
	response := &record.CheckVersionResponse{}
	info, err := s.api.CheckVersion(ctx, current)
	if err != nil {
		s.logger.Warn("version check failed", "error", err)
	} else {
		response.UpgradeMessage = info.UpgradeMessage
		response.YankMessage = info.YankMessage
		response.DeleteMessage = info.DeleteMessage
	}
	s.reply(r, &record.Response{CheckVersion: response})
}

func (s *Sender) handleLogin(ctx context.Context, r *record.Record) {
	response := &record.LoginResponse{}
	viewer, err := s.api.Viewer(ctx)
	if err != nil {
		s.logger.Warn("viewer lookup failed", "error", err)
	} else {
		response.ActiveEntity = viewer.Entity
	}
	s.reply(r, &record.Response{Login: response})
}
