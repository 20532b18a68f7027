// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	proxyerrors "github.com/FrankXu7/quilkin/pkg/errors"
	"github.com/FrankXu7/quilkin/pkg/filters"
	"github.com/FrankXu7/quilkin/pkg/metrics"
	"github.com/FrankXu7/quilkin/pkg/session"
)

// processPacket runs one downstream datagram through the pipeline: fetch the
// active snapshot, run the chain in read order, resolve the destination,
// look up or create the session, and forward upstream.
func (s *Server) processPacket(ctx context.Context, listener *net.UDPConn, source *net.UDPAddr, data []byte) error {
	snap := s.store.Load()
	start := time.Now()

	if s.metrics != nil {
		s.metrics.PacketsTotal.WithLabelValues(metrics.EventRead).Inc()
		s.metrics.PacketSize.WithLabelValues(metrics.EventRead).Observe(float64(len(data)))
		defer func() {
			s.metrics.ProcessingDuration.WithLabelValues(metrics.EventRead).
				Observe(time.Since(start).Seconds())
		}()
	}

	pc := filters.NewContext(filters.Read, source, data, snap.Clusters)
	if err := snap.Chain.Read(pc); err != nil {
		return s.countChainError(err)
	}

	endpointAddr, ok := s.resolveDestination(pc)
	if !ok {
		s.countDrop(metrics.ReasonNoEndpoint)
		return nil
	}

	if !s.breakers.Allow(endpointAddr) {
		s.countDrop(metrics.ReasonEndpointUnavailable)
		return nil
	}

	sess, isNew, err := s.sessions.GetOrCreate(ctx, source, endpointAddr)
	if err != nil {
		s.countDrop(metrics.ReasonSessionError)
		return err
	}
	sess.Touch()

	n, err := sess.Upstream.Write(pc.Payload)
	s.breakers.Record(endpointAddr, err)
	if err != nil {
		if s.metrics != nil {
			s.metrics.UpstreamWriteErrors.WithLabelValues(endpointAddr).Inc()
		}
		return proxyerrors.New("write", "", sess.ID, source.String(), err)
	}
	if s.metrics != nil {
		s.metrics.BytesTotal.WithLabelValues(metrics.EventRead).Add(float64(n))
	}

	if isNew {
		go s.readUpstream(sess, listener)
	}
	return nil
}

// resolveDestination returns the endpoint address chosen by the chain, or
// falls back to the map's only endpoint when exactly one exists.
func (s *Server) resolveDestination(pc *filters.Context) (string, bool) {
	if dest, ok := pc.Destination(); ok {
		return dest.Address, true
	}
	if ep, ok := pc.Clusters.SingleEndpoint(); ok {
		return ep.Address, true
	}
	return "", false
}

// readUpstream is the per-session reply reader: it reads from the session's
// upstream socket, runs the chain in write (reverse) order, and sends the
// result to the original downstream client. It exits when the session is
// removed or its socket closes, so replies for an expired session are
// dropped, never misdirected.
func (s *Server) readUpstream(sess *session.Session, listener *net.UDPConn) {
	defer func() {
		s.sessions.Remove(sess)
		s.cfg.Logger.Debug("reply reader closed", slog.String("session", sess.ID))
	}()

	endpointAddr, _ := sess.Upstream.RemoteAddr().(*net.UDPAddr)

	for {
		select {
		case <-sess.Done():
			return
		default:
		}

		bufPtr := s.buffers.Get()
		buffer := *bufPtr

		if err := sess.Upstream.SetReadDeadline(time.Now().Add(s.cfg.SessionTimeout)); err != nil {
			s.buffers.Put(bufPtr)
			return
		}

		n, err := sess.Upstream.Read(buffer)
		if err != nil {
			s.buffers.Put(bufPtr)
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if time.Since(sess.LastActivity()) > s.cfg.SessionTimeout {
					return
				}
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.cfg.Logger.Debug("upstream read error",
					slog.String("session", sess.ID),
					slog.String("error", err.Error()))
			}
			return
		}
		sess.Touch()

		s.writeDownstream(sess, listener, endpointAddr, buffer[:n])
		s.buffers.Put(bufPtr)
	}
}

// writeDownstream runs one reply through the reverse chain and writes it to
// the downstream client.
func (s *Server) writeDownstream(sess *session.Session, listener *net.UDPConn, endpointAddr *net.UDPAddr, data []byte) {
	snap := s.store.Load()
	start := time.Now()

	if s.metrics != nil {
		s.metrics.PacketsTotal.WithLabelValues(metrics.EventWrite).Inc()
		s.metrics.PacketSize.WithLabelValues(metrics.EventWrite).Observe(float64(len(data)))
		defer func() {
			s.metrics.ProcessingDuration.WithLabelValues(metrics.EventWrite).
				Observe(time.Since(start).Seconds())
		}()
	}

	pc := filters.NewContext(filters.Write, endpointAddr, data, snap.Clusters)
	if err := snap.Chain.Write(pc); err != nil {
		s.countChainError(err)
		return
	}

	n, err := listener.WriteToUDP(pc.Payload, sess.DownstreamAddr)
	if err != nil {
		s.cfg.Logger.Debug("downstream write error",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.BytesTotal.WithLabelValues(metrics.EventWrite).Add(float64(n))
	}
}

// countChainError classifies a chain result: drops are counted under their
// reason and swallowed; filter failures are counted per filter and surfaced.
func (s *Server) countChainError(err error) error {
	var drop *filters.DropError
	if errors.As(err, &drop) {
		s.countDrop(drop.Reason)
		return nil
	}

	if s.metrics != nil {
		name := "unknown"
		var perr *proxyerrors.PipelineError
		if errors.As(err, &perr) && perr.Filter != "" {
			name = perr.Filter
		}
		s.metrics.FilterErrors.WithLabelValues(name).Inc()
	}
	s.countDrop(metrics.ReasonFilterError)
	return err
}

func (s *Server) countDrop(reason string) {
	if s.metrics != nil {
		s.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	}
}
