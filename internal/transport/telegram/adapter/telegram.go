package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "rubaz/internal/transport"
	logx "rubaz/pkg/logx"
)

const DefaultAPIURL = "https://api.telegram.org"

type Config struct {
	// APIURL is the Bot API base; tests point it at an httptest server.
	APIURL  string
	Timeout time.Duration
}

// Adapter sends messages for many bots. Each account brings its own token,
// so bots are created lazily and cached per token.
type Adapter struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New(cfg Config, log logx.Logger) *Adapter {
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.Timeout},
		bots: map[string]*tele.Bot{},
	}
}

// chatRef addresses a chat by id or @username.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

func (a *Adapter) bot(token string) (*tele.Bot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.bots[token]; b != nil {
		return b, nil
	}
	// Offline skips getMe; the bot is only used for sending.
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     a.cfg.APIURL,
		Client:  a.http,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	a.bots[token] = b
	return b, nil
}

// Forget drops the cached bot for token, e.g. after the account's token changed.
func (a *Adapter) Forget(token string) {
	a.mu.Lock()
	delete(a.bots, strings.TrimSpace(token))
	a.mu.Unlock()
}

func (a *Adapter) SendText(ctx context.Context, to kit.Credentials, text string, opt *kit.SendOptions) error {
	if to.Empty() {
		return &kit.CredentialError{Reason: "token or chat id is empty"}
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	b, err := a.bot(to.Token)
	if err != nil {
		return err
	}

	chat := chatRef(strings.TrimSpace(to.ChatID))
	for _, chunk := range chunkText(text, maxMessageRunes, strings.EqualFold(opt.ParseMode, tele.ModeHTML)) {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		_, err := b.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// TestCredentials posts text straight to sendMessage so the Bot API's own
// rejection (status and description) reaches the caller.
func (a *Adapter) TestCredentials(ctx context.Context, to kit.Credentials, text string) error {
	if to.Empty() {
		return &kit.CredentialError{Reason: "token or chat id is empty"}
	}

	payload := struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}{ChatID: strings.TrimSpace(to.ChatID), Text: text}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := a.cfg.APIURL + "/bot" + strings.TrimSpace(to.Token) + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return &kit.CredentialError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode/100 != 2 || !out.OK {
		reason := out.Description
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		a.log.Debug("telegram credential test rejected",
			logx.String("bot", to.Redacted()),
			logx.Int("http", resp.StatusCode),
			logx.Int("code", out.ErrorCode),
		)
		return &kit.CredentialError{Reason: reason, Status: resp.StatusCode}
	}
	return nil
}

var (
	_ kit.Sender           = (*Adapter)(nil)
	_ kit.CredentialTester = (*Adapter)(nil)
)
