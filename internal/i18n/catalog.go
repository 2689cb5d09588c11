package i18n

import (
	"os"
	"path/filepath"
	"sync"
)

// Domain is the gettext domain of grader catalogs, fixed by the problem
// bundle layout: conf/locale/<lang>/LC_MESSAGES/graders.mo.
const Domain = "graders"

// DefaultLanguage is used when the grader payload carries no lang tag.
const DefaultLanguage = "en"

// Translator resolves one message for a fixed language.
type Translator func(msg string) string

// Catalog lazily loads per-language catalogs from one locale directory.
// Safe for concurrent use.
type Catalog struct {
	localeDir string

	mu    sync.Mutex
	langs map[string]map[string]string
}

// NewCatalog builds a catalog rooted at localeDir. The directory need not
// exist; all lookups then fall back to the untranslated string.
func NewCatalog(localeDir string) *Catalog {
	return &Catalog{
		localeDir: localeDir,
		langs:     make(map[string]map[string]string),
	}
}

// Translate returns the msg translation for lang, or msg unchanged when
// no catalog or entry exists.
func (c *Catalog) Translate(lang, msg string) string {
	if out, ok := c.lookup(lang)[msg]; ok && out != "" {
		return out
	}
	return msg
}

// Translator binds a language once so call sites read like gettext.
func (c *Catalog) Translator(lang string) Translator {
	if lang == "" {
		lang = DefaultLanguage
	}
	return func(msg string) string { return c.Translate(lang, msg) }
}

func (c *Catalog) lookup(lang string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.langs[lang]; ok {
		return m
	}
	m := c.load(lang)
	c.langs[lang] = m
	return m
}

func (c *Catalog) load(lang string) map[string]string {
	path := filepath.Join(c.localeDir, lang, "LC_MESSAGES", Domain+".mo")
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()
	m, err := ParseMO(f)
	if err != nil {
		return nil
	}
	return m
}
