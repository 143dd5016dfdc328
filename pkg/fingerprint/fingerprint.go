package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Document fingerprints everything a stored document carries except LastModified. The
// fingerprint is a SHA256 hash of the canonical form.
func Document(doc models.Document) string {
	return hash(models.Object(map[string]models.Value{
		"id":               models.String(doc.ID),
		"discriminatorKey": models.String(doc.DiscriminatorKey),
		"kind":             models.String(doc.Kind),
		"partitionKey":     models.String(doc.PartitionKey),
		"properties":       models.Object(doc.Properties),
		"effectiveFrom":    timeValue(doc.EffectiveFrom),
		"effectiveTo":      timeValue(doc.EffectiveTo),
		"deleted":          models.Bool(doc.Deleted),
		"ttl":              ttlValue(doc.TTL),
	}))
}

func hash(v models.Value) string {
	sum := sha256.Sum256([]byte(Canonical(v, false)))
	return hex.EncodeToString(sum[:])
}

func timeValue(t *time.Time) models.Value {
	if t == nil {
		return models.Null()
	}
	return models.String(t.UTC().Format(time.RFC3339Nano))
}

func ttlValue(ttl *int) models.Value {
	if ttl == nil {
		return models.Null()
	}
	return models.Int(int64(*ttl))
}

// Canonical renders a value deterministically: object keys sorted, numbers normalized.
// When orderInsensitive is set, array elements are sorted by their canonical form at
// every depth.
func Canonical(v models.Value, orderInsensitive bool) string {
	var b strings.Builder
	writeCanonical(&b, v, orderInsensitive)
	return b.String()
}

// Equal compares two values by canonical form.
func Equal(a, b models.Value, orderInsensitive bool) bool {
	return Canonical(a, orderInsensitive) == Canonical(b, orderInsensitive)
}

func writeCanonical(b *strings.Builder, v models.Value, orderInsensitive bool) {
	switch v.Kind() {
	case models.KindNull:
		b.WriteString("null")
	case models.KindBool:
		flag, _ := v.AsBool()
		b.WriteString(strconv.FormatBool(flag))
	case models.KindNumber:
		b.WriteString(v.CanonicalNumber())
	case models.KindString:
		s, _ := v.AsString()
		quoted, _ := json.Marshal(s)
		b.Write(quoted)
	case models.KindArray:
		items, _ := v.AsArray()
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = Canonical(item, orderInsensitive)
		}
		if orderInsensitive {
			sort.Strings(parts)
		}
		b.WriteByte('[')
		b.WriteString(strings.Join(parts, ","))
		b.WriteByte(']')
	case models.KindObject:
		fields, _ := v.AsObject()
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			quoted, _ := json.Marshal(k)
			b.Write(quoted)
			b.WriteByte(':')
			writeCanonical(b, fields[k], orderInsensitive)
		}
		b.WriteByte('}')
	}
}
