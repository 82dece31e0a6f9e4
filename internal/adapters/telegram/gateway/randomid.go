package gateway

import (
	"encoding/binary"
	"hash/fnv"
)

// Идемпотентность отправок строится на детерминированных random_id: Telegram
// дедуплицирует сообщения по random_id в пределах peer, поэтому повтор той же
// пересылки после сбоя не создаёт дубликата. Хэш смешивает источник, зеркало
// и id сообщения — этого достаточно, чтобы разные сообщения не склеивались,
// а ретраи одного совпадали бит в бит.

// randomIDMask ограничивает значение до int63: Telegram требует
// random_id ∈ [1, 2^63-1].
const randomIDMask = (1 << 63) - 1

// randomIDForMirror — random_id пересылки сообщения messageID из канала
// sourceID в зеркало mirrorID.
func randomIDForMirror(sourceID, mirrorID, messageID int64) int64 {
	return randomIDFromParts(
		uint64(sourceID),  // #nosec G115
		uint64(mirrorID),  // #nosec G115
		uint64(messageID), // #nosec G115
	)
}

// randomIDsForMirror — вектор random_id для батч-пересылки. Позиция i входит
// во вклад, чтобы одинаковые id в разных позициях не склеивались.
func randomIDsForMirror(sourceID, mirrorID int64, messageIDs []int) []int64 {
	out := make([]int64, len(messageIDs))
	for i, messageID := range messageIDs {
		out[i] = randomIDFromParts(
			uint64(sourceID),  // #nosec G115
			uint64(mirrorID),  // #nosec G115
			uint64(messageID), // #nosec G115
			uint64(i),         // #nosec G115
		)
	}
	return out
}

// randomIDFromParts хэширует части FNV-1a (64 бит) и проецирует в [1, 2^63-1].
// LittleEndian — для стабильного байтового представления.
func randomIDFromParts(parts ...uint64) int64 {
	hasher := fnv.New64a()
	var buf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(buf[:], part)
		_, _ = hasher.Write(buf[:])
	}
	value := hasher.Sum64() & randomIDMask
	if value == 0 {
		value = 1
	}
	return int64(value) // #nosec G115
}
