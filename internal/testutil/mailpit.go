package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// MailpitClient reads the inbox of a Mailpit container.
type MailpitClient struct {
	baseURL    string
	httpClient *http.Client
}

// MailpitMessage is a message summary in the Mailpit inbox.
type MailpitMessage struct {
	ID      string           `json:"ID"`
	From    MailpitAddress   `json:"From"`
	To      []MailpitAddress `json:"To"`
	Subject string           `json:"Subject"`
	Snippet string           `json:"Snippet"`
}

// MailpitAddress is an email address as Mailpit reports it.
type MailpitAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

type mailpitMessages struct {
	Messages []MailpitMessage `json:"messages"`
	Total    int              `json:"messages_count"`
}

// Client returns an API client for the container.
func (c *MailpitContainer) Client() *MailpitClient {
	return &MailpitClient{
		baseURL:    fmt.Sprintf("http://%s:%d", c.APIHost, c.APIPort),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Messages returns all messages in the inbox, newest first.
func (c *MailpitClient) Messages() ([]MailpitMessage, error) {
	return c.list("/api/v1/messages")
}

// SearchByRecipient returns the messages sent to address.
func (c *MailpitClient) SearchByRecipient(address string) ([]MailpitMessage, error) {
	return c.list("/api/v1/search?query=" + url.QueryEscape("to:"+address))
}

// WaitForRecipient polls until at least count messages for address arrived.
func (c *MailpitClient) WaitForRecipient(address string, count int, timeout time.Duration) ([]MailpitMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		messages, err := c.SearchByRecipient(address)
		if err == nil && len(messages) >= count {
			return messages, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return nil, fmt.Errorf("wait for %d messages to %s: %w", count, address, err)
			}
			return messages, fmt.Errorf("wait for %d messages to %s: got %d", count, address, len(messages))
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// DeleteAll clears the inbox.
func (c *MailpitClient) DeleteAll() error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/v1/messages", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete messages: status %d", resp.StatusCode)
	}
	return nil
}

func (c *MailpitClient) list(path string) ([]MailpitMessage, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list messages: status %d: %s", resp.StatusCode, body)
	}

	var result mailpitMessages
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return result.Messages, nil
}
