package webstream

import (
	"net"
	"time"

	"github.com/hashicorp/yamux"
)

type TunnelConfig struct {
	Enabled bool
	// Addr of the relay that terminates public connections.
	Addr  string
	Token string
	// RedialWait between reconnect attempts after the tunnel drops.
	RedialWait time.Duration
}

// RunTunnel keeps a yamux session open to a relay and serves stream
// connections arriving through it. The relay answers the token handshake
// with '+' before any muxed stream is opened.
func (ws *Server) RunTunnel(config TunnelConfig) {
	if config.RedialWait <= 0 {
		config.RedialWait = 5 * time.Second
	}
	for {
		select {
		case <-ws.ctx.Done():
			return
		default:
		}
		ws.dialTunnel(config)
		select {
		case <-ws.ctx.Done():
			return
		case <-time.After(config.RedialWait):
		}
	}
}

func (ws *Server) dialTunnel(config TunnelConfig) {
	ws.logger.Info().Msgf("dialling tunnel %s", config.Addr)
	conn, err := net.Dial("tcp", config.Addr)
	if err != nil {
		ws.logger.Err(err).Msg("unable to dial tunnel relay")
		return
	}
	if _, err := conn.Write([]byte(config.Token)); err != nil {
		conn.Close()
		ws.logger.Err(err).Msg("unable to authenticate with tunnel relay")
		return
	}
	status := []byte{0}
	if _, err := conn.Read(status); err != nil {
		conn.Close()
		ws.logger.Err(err).Msg("unable to read tunnel handshake")
		return
	}
	if status[0] != '+' {
		conn.Close()
		ws.logger.Error().Msg("tunnel relay rejected token")
		return
	}
	ws.logger.Info().Msg("tunnel accepted")
	session, err := yamux.Client(conn, nil)
	if err != nil {
		conn.Close()
		ws.logger.Err(err).Msg("yamux session failed")
		return
	}
	defer session.Close()
	if err := ws.Serve(session); err != nil {
		ws.logger.Err(err).Msg("tunnel serve ended")
	}
}
