package testutil

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/nebulakv/pkg/config"
	"github.com/ajitpratap0/nebulakv/pkg/store"
)

// RedisSuite provides a miniredis-backed store for integration-style tests.
type RedisSuite struct {
	suite.Suite

	Ctx    context.Context
	Redis  *miniredis.Miniredis
	Client *redis.Client
	Config *config.Config

	cancel context.CancelFunc
}

// SetupTest starts a fresh miniredis server before every test.
func (s *RedisSuite) SetupTest() {
	s.Ctx, s.cancel = context.WithTimeout(context.Background(), time.Minute)

	mr, err := miniredis.Run()
	require.NoError(s.T(), err)
	s.Redis = mr

	s.Config = config.Default()
	s.Config.Redis.Addr = mr.Addr()
	s.Client = store.NewRedisClient(s.Config.Redis, s.Config.Pool.MaxConnections+2)
}

// TearDownTest stops the server and releases the client.
func (s *RedisSuite) TearDownTest() {
	if s.Client != nil {
		_ = s.Client.Close()
	}
	if s.Redis != nil {
		s.Redis.Close()
	}
	s.cancel()
}

// Dialer returns a dialer opening dedicated connections to the suite server.
func (s *RedisSuite) Dialer() store.Dialer {
	return store.NewRedisDialer(s.Client)
}
