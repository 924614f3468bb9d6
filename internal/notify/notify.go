// Package notify sends completion emails when a refinement task reaches a
// terminal state.
package notify

import (
	"fmt"
	"log"
	"os"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/promptforge/promptforge/internal/task"
)

// Compose builds the notification subject and body for a finished task.
func Compose(t *task.Task) (subject, body string) {
	subject = fmt.Sprintf("Refinement task %s %s", t.ID, t.Status)

	switch t.Status {
	case task.StatusSucceeded:
		score := 0.0
		if t.CurrentScore != nil {
			score = *t.CurrentScore
		}
		body = fmt.Sprintf("Task %s finished with score %.1f after %d iteration(s).",
			t.ID, score, t.IterationCount)
		if t.Metadata["best_effort"] == true {
			body += " The iteration budget ran out before the score threshold was reached; this is the best-effort result."
		}
	case task.StatusFailed:
		body = fmt.Sprintf("Task %s failed: %v", t.ID, t.Metadata["error"])
	case task.StatusCancelled:
		body = fmt.Sprintf("Task %s was cancelled after %d iteration(s).", t.ID, t.IterationCount)
	default:
		body = fmt.Sprintf("Task %s is in status %s.", t.ID, t.Status)
	}

	return subject, body
}

// SendCompletionEmail mails the task outcome to the given address using the
// sendgrid credentials from the environment.
func SendCompletionEmail(t *task.Task, to string) error {
	subject, body := Compose(t)

	fromName := os.Getenv("FROM_NAME")
	fromAddress := os.Getenv("FROM_ADDRESS")
	from := mail.NewEmail(fromName, fromAddress)
	toEmail := mail.NewEmail("", to)
	email := mail.NewSingleEmail(from, subject, toEmail, body, body)
	client := sendgrid.NewSendClient(os.Getenv("EMAIL_API_KEY"))
	response, err := client.Send(email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	log.Printf("Completion email for task %s sent to %s (status: %d)", t.ID, to, response.StatusCode)
	return nil
}
