package remote

import (
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"

	"github.com/jdholdren/mynah/internal/mynah"
)

var ErrMissingID = errors.New("payload has no item id")

// fallback is one place a field may be found in a payload, tried in order.
type fallback struct {
	name string
	path string
}

// Wrappers the remote nests an item inside of.
var wrappers = []fallback{
	{name: "results wrapper", path: "tweet_results.result"},
	{name: "result wrapper", path: "result"},
	{name: "visibility wrapper", path: "tweet"},
}

var (
	idFallbacks = []fallback{
		{name: "graphql rest id", path: "rest_id"},
		{name: "legacy id_str", path: "legacy.id_str"},
		{name: "flat id_str", path: "id_str"},
		{name: "flat id", path: "id"},
	}
	textFallbacks = []fallback{
		{name: "long-form note", path: "note_tweet.note_tweet_results.result.text"},
		{name: "legacy full_text", path: "legacy.full_text"},
		{name: "flat full_text", path: "full_text"},
		{name: "flat text", path: "text"},
	}
	authorIDFallbacks = []fallback{
		{name: "graphql user rest id", path: "core.user_results.result.rest_id"},
		{name: "legacy user_id_str", path: "legacy.user_id_str"},
		{name: "flat user_id_str", path: "user_id_str"},
		{name: "embedded user id_str", path: "user.id_str"},
		{name: "flat author_id", path: "author_id"},
	}
	usernameFallbacks = []fallback{
		{name: "graphql legacy screen_name", path: "core.user_results.result.legacy.screen_name"},
		{name: "graphql core screen_name", path: "core.user_results.result.core.screen_name"},
		{name: "embedded user screen_name", path: "user.screen_name"},
		{name: "flat username", path: "username"},
	}
	nameFallbacks = []fallback{
		{name: "graphql legacy name", path: "core.user_results.result.legacy.name"},
		{name: "graphql core name", path: "core.user_results.result.core.name"},
		{name: "embedded user name", path: "user.name"},
		{name: "flat name", path: "name"},
	}
	conversationFallbacks = []fallback{
		{name: "legacy conversation_id_str", path: "legacy.conversation_id_str"},
		{name: "flat conversation_id_str", path: "conversation_id_str"},
		{name: "flat conversation_id", path: "conversation_id"},
	}
	inReplyToFallbacks = []fallback{
		{name: "legacy in_reply_to_status_id_str", path: "legacy.in_reply_to_status_id_str"},
		{name: "flat in_reply_to_status_id_str", path: "in_reply_to_status_id_str"},
		{name: "flat in_reply_to_id", path: "in_reply_to_id"},
	}
	createdAtFallbacks = []fallback{
		{name: "legacy created_at", path: "legacy.created_at"},
		{name: "flat created_at", path: "created_at"},
		{name: "flat timestamp", path: "timestamp"},
	}
	hashtagFallbacks = []fallback{
		{name: "legacy entities", path: "legacy.entities.hashtags.#.text"},
		{name: "flat entities", path: "entities.hashtags.#.text"},
		{name: "flat hashtags", path: "hashtags"},
	}
	urlFallbacks = []fallback{
		{name: "legacy entities", path: "legacy.entities.urls.#.expanded_url"},
		{name: "flat entities", path: "entities.urls.#.expanded_url"},
		{name: "flat urls", path: "urls"},
	}
	mentionFallbacks = []fallback{
		{name: "legacy entities", path: "legacy.entities.user_mentions"},
		{name: "flat entities", path: "entities.user_mentions"},
		{name: "flat mentions", path: "mentions"},
	}
	mediaFallbacks = []fallback{
		{name: "legacy extended entities", path: "legacy.extended_entities.media"},
		{name: "flat extended entities", path: "extended_entities.media"},
		{name: "legacy entities", path: "legacy.entities.media"},
		{name: "flat media", path: "media"},
	}
)

// Config holds what normalization needs beyond the payload itself.
type Config struct {
	// Base of the permanent links, like https://x.com.
	PermalinkBase string
}

var stripPolicy = bluemonday.StrictPolicy()

// Normalize maps one raw item payload to a FeedItem.
//
// The remote is inconsistent about where it puts things, so each field is
// looked up through an ordered list of named fallbacks.
func Normalize(raw []byte, cfg Config) (mynah.FeedItem, error) {
	if !gjson.ValidBytes(raw) {
		return mynah.FeedItem{}, errors.New("payload is not valid json")
	}

	return normalize(unwrap(gjson.ParseBytes(raw)), cfg)
}

func normalize(doc gjson.Result, cfg Config) (mynah.FeedItem, error) {
	id, _ := resolve(doc, idFallbacks)
	if id == "" {
		return mynah.FeedItem{}, ErrMissingID
	}

	item := mynah.FeedItem{ID: id}
	item.Text, _ = resolve(doc, textFallbacks)
	item.Text = sanitize(item.Text)
	item.AuthorID, _ = resolve(doc, authorIDFallbacks)
	item.Username, _ = resolve(doc, usernameFallbacks)
	item.Name, _ = resolve(doc, nameFallbacks)
	item.InReplyToID, _ = resolve(doc, inReplyToFallbacks)

	// A thread root is its own conversation.
	item.ConversationID, _ = resolve(doc, conversationFallbacks)
	if item.ConversationID == "" {
		item.ConversationID = id
	}

	if v, _ := resolveResult(doc, createdAtFallbacks); v.Exists() {
		ts, err := parseTimestamp(v)
		if err != nil {
			return mynah.FeedItem{}, fmt.Errorf("error parsing timestamp of item %s: %w", id, err)
		}
		item.CreatedAt = ts
	}

	item.Hashtags, _ = resolveStrings(doc, hashtagFallbacks)
	item.URLs, _ = resolveStrings(doc, urlFallbacks)

	if v, _ := resolveResult(doc, mentionFallbacks); v.IsArray() {
		for _, m := range v.Array() {
			item.Mentions = append(item.Mentions, mynah.Mention{
				ID:       first(m, "id_str", "id"),
				Username: first(m, "screen_name", "username"),
				Name:     m.Get("name").String(),
			})
		}
	}
	if v, _ := resolveResult(doc, mediaFallbacks); v.IsArray() {
		for _, m := range v.Array() {
			item.Media = append(item.Media, mynah.Media{
				ID:   first(m, "id_str", "id"),
				URL:  first(m, "media_url_https", "url"),
				Type: m.Get("type").String(),
			})
		}
	}

	if item.Username != "" {
		item.PermanentURL = fmt.Sprintf("%s/%s/status/%s", strings.TrimRight(cfg.PermalinkBase, "/"), item.Username, id)
	}

	return item, nil
}

// unwrap peels off envelopes until it reaches something with an id.
func unwrap(doc gjson.Result) gjson.Result {
	for range wrappers {
		if id, _ := resolve(doc, idFallbacks); id != "" {
			return doc
		}

		inner, _ := resolveResult(doc, wrappers)
		if !inner.IsObject() {
			return doc
		}
		doc = inner
	}

	return doc
}

// resolve returns the first non-empty scalar along with the name of the fallback that had it.
func resolve(doc gjson.Result, fbs []fallback) (string, string) {
	v, name := resolveResult(doc, fbs)
	if !v.Exists() {
		return "", ""
	}

	// Numbers keep their raw digits, which a float64 can't hold for large ids.
	return v.String(), name
}

func resolveResult(doc gjson.Result, fbs []fallback) (gjson.Result, string) {
	for _, fb := range fbs {
		v := doc.Get(fb.path)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.Type == gjson.String && v.Str == "" {
			continue
		}
		if v.IsArray() && len(v.Array()) == 0 {
			continue
		}

		return v, fb.name
	}

	return gjson.Result{}, ""
}

func resolveStrings(doc gjson.Result, fbs []fallback) ([]string, string) {
	v, name := resolveResult(doc, fbs)
	if !v.IsArray() {
		return nil, ""
	}

	var out []string
	for _, s := range v.Array() {
		if s.String() != "" {
			out = append(out, s.String())
		}
	}

	return out, name
}

func first(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	return ""
}

// Accepts epoch seconds, the legacy ruby-style date, or RFC 3339.
func parseTimestamp(v gjson.Result) (int64, error) {
	if v.Type == gjson.Number {
		return v.Int(), nil
	}

	s := strings.TrimSpace(v.String())
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	for _, layout := range []string{time.RubyDate, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}

	return 0, fmt.Errorf("unrecognized timestamp %q", s)
}

// Removes any markup and decodes entities.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = stripPolicy.Sanitize(s)

	return html.UnescapeString(s)
}
