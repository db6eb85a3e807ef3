package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TelegramService sends operator notifications to a Telegram chat.
type TelegramService struct {
	botToken    string
	adminChatID string
	baseURL     string
	client      *http.Client
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
		baseURL:     "https://api.telegram.org",
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to specified chat.
func (s *TelegramService) SendMessage(chatID, text string) error {
	if s.botToken == "" {
		log.Println("[Telegram] Bot token not configured")
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.botToken)

	body, err := json.Marshal(telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Telegram] Failed to send message: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Telegram] Unexpected status: %d", resp.StatusCode)
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(text string) error {
	if s.adminChatID == "" {
		log.Println("[Telegram] Admin chat ID not configured")
		return nil
	}
	return s.SendMessage(s.adminChatID, text)
}

// FormatAmount renders an amount with thousand separators and currency.
func FormatAmount(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	fixed := amount.StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")
	sign := ""
	if strings.HasPrefix(whole, "-") {
		sign, whole = "-", whole[1:]
	}

	var result strings.Builder
	for i, digit := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}

	return sign + result.String() + "." + frac + " " + currency
}

// PaymentSuccessNotification contains payment success data.
type PaymentSuccessNotification struct {
	OrderID              string
	CaseNumber           string
	TransactionType      string
	GatewayTransactionID string
	Amount               decimal.Decimal
	Currency             string
}

// NotifyPaymentSuccess sends notification about successful payment.
func (s *TelegramService) NotifyPaymentSuccess(payment PaymentSuccessNotification) error {
	if s.adminChatID == "" {
		return nil
	}

	caseNumber := payment.CaseNumber
	if caseNumber == "" {
		caseNumber = "-"
	}

	message := fmt.Sprintf(`<b>✅ PAYMENT RECEIVED</b>
<b>Order:</b> %s
<b>Case:</b> %s
<b>Type:</b> %s
<b>Gateway txn:</b> %s
<b>Amount:</b> %s`,
		payment.OrderID,
		caseNumber,
		payment.TransactionType,
		payment.GatewayTransactionID,
		FormatAmount(payment.Amount, payment.Currency),
	)

	return s.SendToAdmin(strings.TrimSpace(message))
}

// PersistenceFailureNotification describes money that moved at the gateway but
// is not (fully) recorded locally.
type PersistenceFailureNotification struct {
	OrderID              string
	GatewayTransactionID string
	PaymentLinkToken     string
	Amount               decimal.Decimal
	Reason               string
}

// NotifyPersistenceFailure alerts operators that a charge needs manual review.
func (s *TelegramService) NotifyPersistenceFailure(n PersistenceFailureNotification) error {
	if s.adminChatID == "" {
		log.Printf("[Telegram] persistence alert for order %s not delivered: admin chat not configured", n.OrderID)
		return nil
	}

	message := fmt.Sprintf(`<b>🚨 PAYMENT NOT RECORDED</b>
<b>Order:</b> %s
<b>Gateway txn:</b> %s
<b>Link:</b> %s
<b>Amount:</b> %s
<b>Reason:</b> %s
<i>Reconcile manually against the gateway report.</i>`,
		n.OrderID,
		n.GatewayTransactionID,
		n.PaymentLinkToken,
		FormatAmount(n.Amount, ""),
		n.Reason,
	)

	return s.SendToAdmin(strings.TrimSpace(message))
}
