package http

import (
	"net/http"

	"github.com/dkeye/wdi/internal/adapters/ws"
	"github.com/dkeye/wdi/internal/app"
	"github.com/dkeye/wdi/internal/config"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/metrics"
	"github.com/dkeye/wdi/internal/session"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

// ClientTokenMiddleware gives every browser a stable token kept in the cookie
// session. It only tags logs; session ids are issued per connection.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save cookie session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

type sessionDTO struct {
	ID      domain.SessionID `json:"id"`
	Polite  bool             `json:"polite"`
	State   string           `json:"state"`
	Streams int              `json:"streams"`
}

type streamDTO struct {
	ID       string                `json:"id"`
	Session  domain.SessionID      `json:"session"`
	Identity domain.StreamIdentity `json:"identity"`
}

func streamsDTO(streams []*session.RemoteStream) []streamDTO {
	out := make([]streamDTO, 0, len(streams))
	for _, rs := range streams {
		out = append(out, streamDTO{ID: rs.ID(), Session: rs.SessionID, Identity: rs.Identity()})
	}
	return out
}

func SetupRouter(cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(metrics.Middleware())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("WDISessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(orch.Registry.Sessions())})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		token := c.GetString(clientTokenKey)
		conn, err := ws.Upgrade(c.Writer, c.Request,
			ws.WithReadLimit(cfg.ReadLimit),
			ws.WithPingPeriod(cfg.PingPeriod),
		)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("client", token).Msg("ws upgrade")
			return
		}
		s, err := orch.Registry.Accept(conn)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("client", token).Msg("accept")
			return
		}
		log.Info().
			Str("module", "adapters.http").
			Str("client", token).
			Str("sid", s.ID().Short()).
			Msg("ws signal session started")
	})

	api.GET("/sessions", func(c *gin.Context) {
		list := orch.Registry.Sessions()
		out := make([]sessionDTO, 0, len(list))
		for _, s := range list {
			out = append(out, sessionDTO{
				ID:      s.ID(),
				Polite:  s.Polite(),
				State:   s.State().String(),
				Streams: len(s.RemoteStreams()),
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	})

	api.GET("/streams", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"streams": streamsDTO(orch.Registry.RemoteStreams())})
	})

	return r
}
