package queue

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/mergestat/timediff"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// NoticeType selects a message template.
type NoticeType string

// Notice types. Author notices go to the submitter, admin notices replace
// the moderation card in the offers chat.
const (
	NoticeQueued         NoticeType = "queued"
	NoticePublished      NoticeType = "published"
	NoticePublishedPaid  NoticeType = "published_paid"
	NoticeRejected       NoticeType = "rejected"
	NoticeAdminQueued    NoticeType = "admin_queued"
	NoticeAdminPublished NoticeType = "admin_published"
	NoticeAdminRejected  NoticeType = "admin_rejected"
)

var noticeTypes = []NoticeType{
	NoticeQueued,
	NoticePublished,
	NoticePublishedPaid,
	NoticeRejected,
	NoticeAdminQueued,
	NoticeAdminPublished,
	NoticeAdminRejected,
}

const excerptRunes = 100

// Notice is the data available to templates.
type Notice struct {
	Post        *domain.Post
	Position    int
	ScheduledAt time.Time
	PublishedAt time.Time
	ChannelLink string
	Payment     *domain.PaymentResult
	AdminName   string
}

// RendererConfig contains renderer settings.
type RendererConfig struct {
	Location  *time.Location
	ChannelID int64
}

// Renderer renders Telegram HTML notices from templates.
type Renderer struct {
	templates map[NoticeType]*template.Template
	config    RendererConfig
	clock     Clock
}

// NewRenderer creates a renderer and loads all templates.
func NewRenderer(config RendererConfig, clock Clock) (*Renderer, error) {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if clock == nil {
		clock = time.Now
	}

	r := &Renderer{
		templates: make(map[NoticeType]*template.Template, len(noticeTypes)),
		config:    config,
		clock:     clock,
	}

	funcMap := template.FuncMap{
		"title":      titleCase,
		"excerpt":    excerpt,
		"escapeHTML": html.EscapeString,
		"formatTime": r.formatTime,
		"eta":        r.eta,
	}

	for _, kind := range noticeTypes {
		filename := fmt.Sprintf("templates/%s.tmpl", kind)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(string(kind)).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", kind, err)
		}

		r.templates[kind] = tmpl
	}

	return r, nil
}

// Render executes the template for kind.
func (r *Renderer) Render(kind NoticeType, notice Notice) (string, error) {
	tmpl, ok := r.templates[kind]
	if !ok {
		return "", fmt.Errorf("template not found: %s", kind)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, notice); err != nil {
		return "", fmt.Errorf("execute template %s: %w", kind, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// ChannelLink builds the public link of a channel message.
func (r *Renderer) ChannelLink(channelRef int64) string {
	id := strconv.FormatInt(r.config.ChannelID, 10)
	id = strings.TrimPrefix(id, "-100")
	return fmt.Sprintf("https://t.me/c/%s/%d", id, channelRef)
}

func (r *Renderer) formatTime(t time.Time) string {
	return t.In(r.config.Location).Format("02.01.2006 15:04")
}

func (r *Renderer) eta(t time.Time) string {
	return timediff.TimeDiff(t, timediff.WithStartTime(r.clock()))
}

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func excerpt(s string) string {
	runes := []rune(s)
	if len(runes) <= excerptRunes {
		return s
	}
	return string(runes[:excerptRunes]) + "..."
}
