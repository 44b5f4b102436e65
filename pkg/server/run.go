package server

import (
	"context"
	"os/signal"
	"syscall"
)

// Run starts the server and blocks until ctx is cancelled or the process
// receives SIGINT/SIGTERM, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down...")
	case <-s.ctx.Done():
	}
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server: it stops accepting, closes every
// connection, stops the admin HTTP server, waits for the dispatcher and
// closes the journal. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				s.logger.Debug().Err(err).Msg("close relay listener")
			}
		}
		s.stopHTTP()
		s.wg.Wait()
		if err := s.journal.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close journal")
		}
		s.logger.Info().Msg("server stopped")
	})
}

// Done is closed when the server begins shutting down.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}
