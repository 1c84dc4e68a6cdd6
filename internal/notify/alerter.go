package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailAlerter emails operators when a provider's circuit breaker opens.
// Alerts for the same provider are rate-limited so a flapping provider does
// not flood the inbox.
type EmailAlerter struct {
	apiKey      string
	fromName    string
	fromAddress string
	toAddress   string
	cooldown    time.Duration

	// send is swappable in tests.
	send func(email *mail.SGMailV3) (int, error)

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

func NewEmailAlerter(apiKey, fromName, fromAddress, toAddress string) *EmailAlerter {
	a := &EmailAlerter{
		apiKey:      apiKey,
		fromName:    fromName,
		fromAddress: fromAddress,
		toAddress:   toAddress,
		cooldown:    15 * time.Minute,
		lastAlert:   make(map[string]time.Time),
	}
	a.send = func(email *mail.SGMailV3) (int, error) {
		client := sendgrid.NewSendClient(a.apiKey)
		resp, err := client.Send(email)
		if err != nil {
			return 0, err
		}
		return resp.StatusCode, nil
	}
	return a
}

// CircuitOpened is called by the dispatcher the moment a provider's
// consecutive-failure streak reaches the breaker threshold.
func (a *EmailAlerter) CircuitOpened(ctx context.Context, providerName string, streak int64) {
	a.mu.Lock()
	if last, ok := a.lastAlert[providerName]; ok && time.Since(last) < a.cooldown {
		a.mu.Unlock()
		return
	}
	a.lastAlert[providerName] = time.Now()
	a.mu.Unlock()

	subject := fmt.Sprintf("Circuit breaker opened: %s", providerName)
	body := fmt.Sprintf(
		"Provider %s was removed from selection after %d consecutive failures.\n"+
			"It rejoins automatically on its next successful request.",
		providerName, streak,
	)

	from := mail.NewEmail(a.fromName, a.fromAddress)
	to := mail.NewEmail("", a.toAddress)
	email := mail.NewSingleEmail(from, subject, to, body, body)

	status, err := a.send(email)
	if err != nil {
		log.Printf("failed to send circuit breaker alert for %s: %v", providerName, err)
		return
	}
	if status >= 400 {
		log.Printf("sendgrid rejected circuit breaker alert for %s: status %d", providerName, status)
		return
	}
	log.Printf("circuit breaker alert sent for %s (status: %d)", providerName, status)
}
