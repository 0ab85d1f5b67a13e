// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/beaconspace/pkg/validation"
	"github.com/AleutianAI/beaconspace/services/beacon/transport"
)

// ServiceName names the relay in traces.
const ServiceName = "beaconrelay"

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Router returns the gin engine serving every relay endpoint.
func (r *Relay) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(ServiceName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "beacons": r.store.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", r.handleSocket)

	api := router.Group("/api")
	{
		api.POST("/messages", r.handleMessage)
		api.GET("/events", r.handleEvents)
		api.POST("/poll", r.handlePoll)
	}
	return router
}

// handleMessage answers POST /api/messages. A queued push for the
// requester rides along under payload.notification.
func (r *Relay) handleMessage(c *gin.Context) {
	var msg transport.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	requester, _ := r.requester(msg)
	reply, ok := r.Handle(c.Request.Context(), msg)

	if requester != "" {
		if n, queued := r.hub.pop(requester); queued {
			if !ok {
				reply = transport.NewMessage("", nil)
				ok = true
			}
			reply.Payload[transport.FieldNotification] = n
		}
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, reply)
}

// handleEvents streams pushes for ?userId= as server-sent events.
func (r *Relay) handleEvents(c *gin.Context) {
	if r.cfg.DisableEvents {
		c.Status(http.StatusNotFound)
		return
	}
	userID := c.Query(transport.FieldUserID)
	if err := validation.ValidateUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusNotImplemented)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	sub, unsubscribe := r.hub.subscribe(userID, "events")
	defer unsubscribe()
	r.logger.Debug("event stream opened", slog.String("user_id", userID))

	keepAlive := time.NewTicker(r.cfg.KeepAlive)
	defer keepAlive.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-sub.ch:
			data, err := json.Marshal(msg)
			if err != nil {
				r.logger.Warn("dropping unencodable push", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handlePoll drains the requester's queued pushes.
func (r *Relay) handlePoll(c *gin.Context) {
	var sess transport.Session
	if err := c.ShouldBindJSON(&sess); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := sess.UserID
	if u, ok := r.UserForToken(sess.SessionToken); ok {
		userID = u
	}
	if err := validation.ValidateUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r.hub.drain(userID))
}

// handleSocket serves one WebSocket connection for ?userId=.
func (r *Relay) handleSocket(c *gin.Context) {
	userID := c.Query(transport.FieldUserID)
	if err := validation.ValidateUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	var writeMu sync.Mutex
	write := func(msg transport.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteJSON(msg)
	}

	done := make(chan struct{})
	defer close(done)
	if userID != "" {
		sub, unsubscribe := r.hub.subscribe(userID, "socket")
		defer unsubscribe()
		go func() {
			for {
				select {
				case <-done:
					return
				case msg := <-sub.ch:
					if err := write(msg); err != nil {
						return
					}
				}
			}
		}()
	}
	r.logger.Debug("socket opened", slog.String("user_id", userID))

	ctx := c.Request.Context()
	for {
		var msg transport.Message
		if err := ws.ReadJSON(&msg); err != nil {
			r.logger.Debug("socket closed", slog.String("user_id", userID), slog.String("error", err.Error()))
			return
		}
		if msg.Payload == nil {
			msg.Payload = map[string]any{}
		}
		if _, set := msg.Payload[transport.FieldUserID]; !set && userID != "" {
			msg.Payload[transport.FieldUserID] = userID
		}
		reply, ok := r.Handle(ctx, msg)
		if !ok {
			continue
		}
		if err := write(reply); err != nil {
			return
		}
	}
}
