// Package discordapi is a minimal Discord REST client covering the guild,
// role, member and DM operations this service needs. Rate limits (429) and
// server errors retry with bounded exponential backoff; other client errors
// fail fast.
package discordapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/sublink/backend/telemetry"
)

const defaultBaseURL = "https://discord.com/api/v10"

// ErrMissingPermission marks a 403 from Discord: the bot lacks a permission
// or sits below the role it tried to manage. Callers surface this to the
// member instead of retrying.
var ErrMissingPermission = errors.New("discord: missing permission")

// ErrNotFound marks a 404 (unknown guild, member or channel).
var ErrNotFound = errors.New("discord: not found")

// Client talks to the Discord REST API with a bot token.
type Client struct {
	Token      string
	BaseURL    string // defaults to the public v10 API; tests override
	HTTPClient *http.Client
	MaxTries   uint // per-request retry budget, default 5
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

func (c *Client) tries() uint {
	if c.MaxTries > 0 {
		return c.MaxTries
	}
	return 5
}

// apiError is Discord's error body shape.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do runs one request with retry. The build function is called per attempt
// so request bodies are fresh on each try.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := build()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bot "+c.Token)
		resp, err := c.http().Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			if telemetry.ProviderRetries != nil {
				telemetry.ProviderRetries.WithLabelValues("discord").Inc()
			}
			var rl struct {
				RetryAfter float64 `json:"retry_after"`
			}
			_ = json.Unmarshal(body, &rl)
			if rl.RetryAfter > 0 {
				return nil, backoff.RetryAfter(int(rl.RetryAfter) + 1)
			}
			return nil, fmt.Errorf("discord: rate limited")
		case resp.StatusCode >= 500:
			if telemetry.ProviderRetries != nil {
				telemetry.ProviderRetries.WithLabelValues("discord").Inc()
			}
			return nil, fmt.Errorf("discord: server error %d", resp.StatusCode)
		case resp.StatusCode == http.StatusForbidden:
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrMissingPermission, apiMessage(body)))
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, apiMessage(body)))
		default:
			return nil, backoff.Permanent(fmt.Errorf("discord: status %d: %s", resp.StatusCode, apiMessage(body)))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(c.tries()))
}

func apiMessage(body []byte) string {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Message != "" {
		return ae.Message
	}
	return string(body)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

// Guild is the subset of guild fields the admin surface exposes.
type Guild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Role is a guild role.
type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Managed  bool   `json:"managed"`
}

// User is a Discord account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Member is a guild member with their current role set.
type Member struct {
	User  User     `json:"user"`
	Nick  string   `json:"nick"`
	Roles []string `json:"roles"`
}

// GetGuild fetches one guild.
func (c *Client) GetGuild(ctx context.Context, guildID string) (*Guild, error) {
	var g Guild
	if err := c.getJSON(ctx, "/guilds/"+guildID, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGuilds lists the guilds the bot belongs to.
func (c *Client) ListGuilds(ctx context.Context) ([]Guild, error) {
	var out []Guild
	if err := c.getJSON(ctx, "/users/@me/guilds", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetGuildRoles lists the guild's roles.
func (c *Client) GetGuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	var out []Role
	if err := c.getJSON(ctx, "/guilds/"+guildID+"/roles", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetGuildMember fetches one member, or ErrNotFound if they left.
func (c *Client) GetGuildMember(ctx context.Context, guildID, userID string) (*Member, error) {
	var m Member
	if err := c.getJSON(ctx, "/guilds/"+guildID+"/members/"+userID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListGuildMembers pages through the full member list. Discord caps a page
// at 1000; after is the exclusive user id cursor.
func (c *Client) ListGuildMembers(ctx context.Context, guildID string) ([]Member, error) {
	var out []Member
	after := ""
	for {
		q := url.Values{"limit": {"1000"}}
		if after != "" {
			q.Set("after", after)
		}
		var page []Member
		if err := c.getJSON(ctx, "/guilds/"+guildID+"/members?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < 1000 {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// AddMemberRole grants a role. Discord treats a re-grant as a no-op.
func (c *Client) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	_, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPut,
			c.base()+"/guilds/"+guildID+"/members/"+userID+"/roles/"+roleID, nil)
	})
	return err
}

// RemoveMemberRole revokes a role. Removing an absent role is a no-op.
func (c *Client) RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	_, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete,
			c.base()+"/guilds/"+guildID+"/members/"+userID+"/roles/"+roleID, nil)
	})
	return err
}

// CreateDM opens (or reuses) the DM channel with a user and returns its id.
func (c *Client) CreateDM(ctx context.Context, userID string) (string, error) {
	var ch struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/users/@me/channels", map[string]string{"recipient_id": userID}, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// Attachment is a file sent alongside a message.
type Attachment struct {
	Filename string
	Data     []byte
}

// SendMessage posts content (and an optional attachment) to a channel.
func (c *Client) SendMessage(ctx context.Context, channelID, content string, att *Attachment) error {
	if att == nil {
		return c.postJSON(ctx, "/channels/"+channelID+"/messages", map[string]string{"content": content}, nil)
	}
	// multipart bodies are rebuilt per attempt
	_, err := c.do(ctx, func() (*http.Request, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		payload, _ := json.Marshal(map[string]any{
			"content":     content,
			"attachments": []map[string]any{{"id": 0, "filename": att.Filename}},
		})
		if err := w.WriteField("payload_json", string(payload)); err != nil {
			return nil, err
		}
		fw, err := w.CreateFormFile("files[0]", att.Filename)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(att.Data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/channels/"+channelID+"/messages", bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	})
	return err
}

// SendDM opens the DM channel and delivers the message in one call.
func (c *Client) SendDM(ctx context.Context, userID, content string, att *Attachment) error {
	ch, err := c.CreateDM(ctx, userID)
	if err != nil {
		return err
	}
	return c.SendMessage(ctx, ch, content, att)
}
