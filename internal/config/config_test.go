package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetEnvList(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, getEnvList("KAFKA_BROKERS"))

	require.Nil(t, getEnvList("VISADESK_UNSET_LIST"))
}

func TestLoad(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("GATEWAY_SECURITY_KEY", "gateway-key")
	t.Setenv("GATEWAY_TIMEOUT_SECONDS", "5")
	t.Setenv("RESERVATION_TTL_SECONDS", "not-a-number")
	t.Setenv("KAFKA_BROKERS", "")

	cfg := Load()
	require.Equal(t, "gateway-key", cfg.GatewaySecurityKey)
	require.Equal(t, 5*time.Second, cfg.GatewayTimeout)
	require.Equal(t, 120*time.Second, cfg.ReservationTTL)
	require.Equal(t, 72*time.Hour, cfg.PaymentLinkTTL)
	require.Empty(t, cfg.KafkaBrokers)
}
