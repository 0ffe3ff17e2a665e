// Package i18n loads the embedded message bundles and resolves localized
// strings with {0}-style positional arguments.
package i18n

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var localeFiles embed.FS

var (
	// ErrMissingKey indicates a key absent from both the requested and the default bundle.
	ErrMissingKey = errors.New("missing message key")
	// ErrUnknownLocale indicates a default locale with no bundle.
	ErrUnknownLocale = errors.New("unknown locale")
)

// ExportedKeys are the keys served to clients by the message export endpoint.
var ExportedKeys = []string{
	"app.title",
	"ui.language.selector",
	"ui.connection.disconnected",
	"ui.connection.connected",
	"ui.connection.connecting",
	"ui.error.name.required",
	"ui.error.message.required",
	"ui.error.connection.failed",
	"ui.error.websocket",
	"ui.error.send.failed",
	"ui.error.not.connected",
	"ui.error.display.message",
	"ui.button.connect",
	"ui.button.send",
	"ui.input.name.placeholder",
	"ui.input.message.placeholder",
	"chat.message.join",
	"chat.message.leave",
	"chat.message.error.processing",
	"chat.message.system",
	"users.online.zero",
	"users.online.one",
	"users.online.other",
}

// Catalog holds one bundle per locale. It is read-only after loading and
// safe for concurrent use.
type Catalog struct {
	bundles  map[language.Tag]map[string]string
	tags     []language.Tag // default first
	matcher  language.Matcher
	fallback language.Tag
}

// Load reads the embedded bundles with defaultLocale as the fallback.
func Load(defaultLocale string) (*Catalog, error) {
	return LoadFS(localeFiles, defaultLocale)
}

// LoadFS reads every locales/<tag>.toml in fsys.
func LoadFS(fsys fs.FS, defaultLocale string) (*Catalog, error) {
	fallback, err := language.Parse(defaultLocale)
	if err != nil {
		return nil, fmt.Errorf("default locale %q: %w", defaultLocale, err)
	}

	entries, err := fs.ReadDir(fsys, "locales")
	if err != nil {
		return nil, fmt.Errorf("failed to read locales: %w", err)
	}

	c := &Catalog{bundles: make(map[language.Tag]map[string]string), fallback: fallback}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".toml" {
			continue
		}
		tag, err := language.Parse(strings.TrimSuffix(entry.Name(), ".toml"))
		if err != nil {
			return nil, fmt.Errorf("locale file %s: %w", entry.Name(), err)
		}
		bundle := make(map[string]string)
		if _, err := toml.DecodeFS(fsys, "locales/"+entry.Name(), &bundle); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", entry.Name(), err)
		}
		c.bundles[tag] = bundle
	}

	if _, ok := c.bundles[fallback]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocale, fallback)
	}

	for tag := range c.bundles {
		if tag != fallback {
			c.tags = append(c.tags, tag)
		}
	}
	slices.SortFunc(c.tags, func(a, b language.Tag) int { return strings.Compare(a.String(), b.String()) })
	c.tags = slices.Insert(c.tags, 0, fallback)
	c.matcher = language.NewMatcher(c.tags)
	return c, nil
}

// Default returns the fallback locale.
func (c *Catalog) Default() language.Tag {
	return c.fallback
}

// Supported lists the loaded locales, default first.
func (c *Catalog) Supported() []language.Tag {
	return append([]language.Tag(nil), c.tags...)
}

// Match picks the best supported locale for a list of preferences. Each
// preference is either a single tag ("ca") or an Accept-Language header
// value; earlier preferences win. Unparseable or unsupported input yields
// the default locale.
func (c *Catalog) Match(prefs ...string) language.Tag {
	for _, pref := range prefs {
		if strings.TrimSpace(pref) == "" {
			continue
		}
		wanted, _, err := language.ParseAcceptLanguage(pref)
		if err != nil || len(wanted) == 0 {
			continue
		}
		_, idx, conf := c.matcher.Match(wanted...)
		if conf != language.No {
			return c.tags[idx]
		}
	}
	return c.fallback
}

func (c *Catalog) lookup(tag language.Tag, key string) (string, bool) {
	if msg, ok := c.bundles[tag][key]; ok {
		return msg, true
	}
	msg, ok := c.bundles[c.fallback][key]
	return msg, ok
}

// Text resolves key in the given locale, falling back to the default bundle.
func (c *Catalog) Text(tag language.Tag, key string, args ...any) (string, error) {
	msg, ok := c.lookup(tag, key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return format(msg, args), nil
}

// Export resolves every key for tag without formatting. Keys missing from
// both the locale and the default bundle are reported inline as
// "[MISSING: key]".
func (c *Catalog) Export(tag language.Tag, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		msg, ok := c.lookup(tag, key)
		if !ok {
			msg = "[MISSING: " + key + "]"
		}
		out[key] = msg
	}
	return out
}

// Plural picks users.online.zero/one/other for n and formats it.
func (c *Catalog) Plural(tag language.Tag, base string, n int) (string, error) {
	form := "other"
	switch n {
	case 0:
		form = "zero"
	case 1:
		form = "one"
	}
	return c.Text(tag, base+"."+form, n)
}

// Localizer binds the catalog to one locale.
func (c *Catalog) Localizer(tag language.Tag) *Localizer {
	return &Localizer{catalog: c, tag: tag}
}

// Localizer resolves keys in a fixed locale.
type Localizer struct {
	catalog *Catalog
	tag     language.Tag
}

// Tag returns the bound locale.
func (l *Localizer) Tag() language.Tag {
	return l.tag
}

func (l *Localizer) Text(key string, args ...any) (string, error) {
	return l.catalog.Text(l.tag, key, args...)
}

func (l *Localizer) Plural(base string, n int) (string, error) {
	return l.catalog.Plural(l.tag, base, n)
}

// format replaces {N} with the Nth argument. Placeholders without a matching
// argument are left untouched.
func format(msg string, args []any) string {
	if len(args) == 0 || !strings.Contains(msg, "{") {
		return msg
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(msg, '{')
		if open < 0 {
			break
		}
		end := strings.IndexByte(msg[open:], '}')
		if end < 0 {
			break
		}
		end += open
		idx, err := strconv.Atoi(msg[open+1 : end])
		if err != nil || idx < 0 || idx >= len(args) {
			b.WriteString(msg[:end+1])
		} else {
			b.WriteString(msg[:open])
			b.WriteString(fmt.Sprint(args[idx]))
		}
		msg = msg[end+1:]
	}
	b.WriteString(msg)
	return b.String()
}
