package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestFormatAmount(t *testing.T) {
	require.Equal(t, "1,234,567.50 USD", FormatAmount(decimal.RequireFromString("1234567.5"), ""))
	require.Equal(t, "100.00 EUR", FormatAmount(decimal.NewFromInt(100), "EUR"))
	require.Equal(t, "-1,000.00 USD", FormatAmount(decimal.NewFromInt(-1000), "USD"))
	require.Equal(t, "0.00 USD", FormatAmount(decimal.Zero, ""))
}

func TestNotifyPersistenceFailureSendsToAdmin(t *testing.T) {
	var got telegramMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	svc := NewTelegramService("bot-token", "admin-chat")
	svc.baseURL = srv.URL

	err := svc.NotifyPersistenceFailure(PersistenceFailureNotification{
		OrderID:              "order-9",
		GatewayTransactionID: "gw-9",
		PaymentLinkToken:     "tok",
		Amount:               decimal.NewFromInt(1500),
		Reason:               "database unavailable",
	})
	require.NoError(t, err)
	require.Equal(t, "/botbot-token/sendMessage", path)
	require.Equal(t, "admin-chat", got.ChatID)
	require.Equal(t, "HTML", got.ParseMode)
	require.Contains(t, got.Text, "order-9")
	require.Contains(t, got.Text, "gw-9")
	require.Contains(t, got.Text, "1,500.00 USD")
}

func TestTelegramWithoutConfigIsNoop(t *testing.T) {
	svc := NewTelegramService("", "")
	require.NoError(t, svc.NotifyPaymentSuccess(PaymentSuccessNotification{OrderID: "o"}))
	require.NoError(t, svc.NotifyPersistenceFailure(PersistenceFailureNotification{OrderID: "o"}))
}

func TestTelegramErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	svc := NewTelegramService("bot-token", "admin-chat")
	svc.baseURL = srv.URL

	require.Error(t, svc.NotifyPaymentSuccess(PaymentSuccessNotification{OrderID: "o", Amount: decimal.NewFromInt(1)}))
}
