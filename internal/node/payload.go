package node

import "strings"

// internalPrefix marks payload keys owned by the storage layer rather than
// node metadata (vectorstore.PayloadIDField uses the same convention). Keys
// with this prefix are never surfaced as metadata.
const internalPrefix = "_"

const (
	payloadTextKey          = "text"
	payloadExcludedEmbedKey = "excluded_embed_metadata_keys"
	payloadExcludedLLMKey   = "excluded_llm_metadata_keys"
)

// ToPayload serializes a Node into the flat string-keyed map the vector
// store persists (spec §4.D design notes: node hygiene — every payload key
// not beginning with the internal sentinel prefix, plus both excluded-keys
// lists, must round-trip).
func (n Node) ToPayload() map[string]any {
	payload := make(map[string]any, len(n.Metadata)+3)
	for k, v := range n.Metadata {
		payload[k] = v
	}
	payload[payloadTextKey] = n.Text
	if len(n.ExcludedEmbedKeys) > 0 {
		payload[payloadExcludedEmbedKey] = strings.Join(n.ExcludedEmbedKeys, ",")
	}
	if len(n.ExcludedLLMKeys) > 0 {
		payload[payloadExcludedLLMKey] = strings.Join(n.ExcludedLLMKeys, ",")
	}
	return payload
}

// FromPayload hydrates a Node from a vector-store payload. It restores every
// payload key that doesn't begin with the internal sentinel prefix as
// metadata (this was the source's documented bug: payload keys other than a
// hardcoded shortlist were dropped on load, which later produced low rerank
// scores because file_name/doc_id context vanished from the text the
// reranker saw).
func FromPayload(id string, payload map[string]any) Node {
	n := Node{ID: id, Metadata: map[string]string{}}
	for k, v := range payload {
		if strings.HasPrefix(k, internalPrefix) {
			continue
		}
		s, _ := v.(string)
		switch k {
		case payloadTextKey:
			n.Text = s
		case payloadExcludedEmbedKey:
			if s != "" {
				n.ExcludedEmbedKeys = strings.Split(s, ",")
			}
		case payloadExcludedLLMKey:
			if s != "" {
				n.ExcludedLLMKeys = strings.Split(s, ",")
			}
		default:
			n.Metadata[k] = s
		}
	}
	return n
}
