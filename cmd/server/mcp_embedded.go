package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"skyhack.ai/internal/config"
	"skyhack.ai/internal/service"
	"skyhack.ai/internal/transport/mcptool"
)

// embeddedMCP is the MCP tool server on its own listener, sharing the
// command service with the HTTP API.
type embeddedMCP struct {
	httpSrv *http.Server
	ln      net.Listener

	closeOnce sync.Once
}

func (e *embeddedMCP) Addr() string {
	if e == nil || e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

func (e *embeddedMCP) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e.httpSrv != nil {
			_ = e.httpSrv.Shutdown(ctx)
		}
		if e.ln != nil {
			_ = e.ln.Close()
		}
	})
}

func startEmbeddedMCP(ctx context.Context, cfg config.MCP, svc *service.Service, logger *log.Logger) (*embeddedMCP, error) {
	listen := strings.TrimSpace(cfg.Listen)
	if listen == "" {
		logger.Printf("embedded MCP disabled (mcp.listen empty)")
		return nil, nil
	}

	secret := strings.TrimSpace(cfg.HMACSecret)
	if cfg.RequireHMAC && secret == "" {
		return nil, fmt.Errorf("[mcp] hmac secret required (set SKYHACK_MCP_HMAC_SECRET)")
	}
	if secret == "" && !mcptool.IsLoopbackListenAddress(listen) {
		return nil, fmt.Errorf("[mcp] refusing insecure MCP listen on non-loopback address %q without hmac secret", listen)
	}

	authMode := "none(loopback-only)"
	if secret != "" {
		authMode = "hmac"
	}

	srv, err := mcptool.NewServer(svc, mcptool.Options{HMACSecret: secret, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("mcp server: %w", err)
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("mcp listen: %w", err)
	}
	logger.Printf("embedded_mcp auth_mode=%s require_hmac=%t", authMode, cfg.RequireHMAC)
	logger.Printf("embedded_mcp listening on http://%s/mcp", ln.Addr())

	em := &embeddedMCP{
		httpSrv: &http.Server{
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}

	go func() {
		<-ctx.Done()
		em.Close()
	}()

	go func() {
		if err := em.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Printf("embedded_mcp serve error: %v", err)
		}
	}()

	return em, nil
}
