// Package fingerprint derives the content-addressed keys under which
// embedding indices are cached and persisted.
package fingerprint

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"unicode/utf8"

	"sagebot/internal/domain"
)

// Native is the dimensionality marker used when the embedding model's own
// output size is kept.
const Native = "native"

type config struct {
	Dims  any    `json:"dims"`
	Model string `json:"model"`
}

type documentPayload struct {
	Cfg     config `json:"cfg"`
	Content string `json:"content"`
}

type corpusItem struct {
	Page   *int    `json:"page"`
	Source *string `json:"src"`
	Text   string  `json:"text"`
}

type corpusPayload struct {
	Cfg  config       `json:"cfg"`
	Docs []corpusItem `json:"docs"`
}

func newConfig(model string, dims int) config {
	c := config{Model: model, Dims: Native}
	if dims > 0 {
		c.Dims = dims
	}
	return c
}

// Document returns the fingerprint of a raw document under an embedding
// configuration. dims <= 0 selects the model's native dimensionality.
func Document(text, model string, dims int) string {
	return digest(documentPayload{Cfg: newConfig(model, dims), Content: text}, text)
}

// Corpus returns the fingerprint of an ordered chunk list under an embedding
// configuration. Source and page are encoded as null when unset.
func Corpus(chunks []domain.Chunk, model string, dims int) string {
	items := make([]corpusItem, len(chunks))
	texts := make([]string, 0, len(chunks)*2)
	for i, c := range chunks {
		texts = append(texts, c.Text, c.Source)
		item := corpusItem{Text: c.Text}
		if c.Source != "" {
			src := c.Source
			item.Source = &src
		}
		if c.Page > 0 {
			page := c.Page
			item.Page = &page
		}
		items[i] = item
	}
	return digest(corpusPayload{Cfg: newConfig(model, dims), Docs: items}, texts...)
}

// digest hashes the canonical JSON form of v. Struct fields are declared in
// lexical order so the encoding has sorted keys.
//
// JSON replaces invalid UTF-8 with U+FFFD, so when any of raw is not valid
// UTF-8 the raw strings are appended length-prefixed after a NUL separator,
// which never occurs in encoded JSON.
func digest(v any, raw ...string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding plain structs of strings and ints cannot fail.
	_ = enc.Encode(v)
	buf.Truncate(len(bytes.TrimRight(buf.Bytes(), "\n")))
	if !allValid(raw) {
		buf.WriteByte(0)
		for _, s := range raw {
			buf.WriteString(strconv.Itoa(len(s)))
			buf.WriteByte(':')
			buf.WriteString(s)
		}
	}
	h := sha1.Sum(buf.Bytes())
	return hex.EncodeToString(h[:])
}

func allValid(ss []string) bool {
	for _, s := range ss {
		if !utf8.ValidString(s) {
			return false
		}
	}
	return true
}
