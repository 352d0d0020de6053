package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"

	"buzzquiz-server/internal/domain"
)

// jingleChunkSize is the audio payload per binary frame.
const jingleChunkSize = 4096

// jingleHeaderSize is the fixed binary prefix: LE uint32 jingleId
// followed by LE uint32 chunkIndex.
const jingleHeaderSize = 8

func (h *Hub) handleJinglePlay(p *Peer, env domain.Envelope) {
	var payload domain.JinglePlayPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad JINGLE_PLAY payload dropped")
		return
	}

	jingleErr := func(msg string) {
		p.sendMessage(domain.TypeJingleError, domain.JingleErrorPayload{
			BuzzerID: payload.BuzzerID,
			JingleID: payload.JingleID,
			Error:    msg,
		})
	}

	buzzer, ok := h.buzzerPeer(payload.BuzzerID)
	if !ok || buzzer.closed() {
		jingleErr("not connected")
		return
	}

	h.mu.Lock()
	if _, active := h.activeJingles[payload.BuzzerID]; active {
		h.mu.Unlock()
		jingleErr("already playing")
		return
	}
	h.mu.Unlock()

	jingle, err := h.jingles.GetJingle(context.Background(), payload.JingleID)
	if err != nil {
		if errors.Is(err, domain.ErrJingleNotFound) {
			jingleErr("jingle not found")
		} else {
			p.log.Error().Err(err).Int64("jingle_id", payload.JingleID).Msg("jingle lookup failed")
			jingleErr("jingle lookup failed")
		}
		return
	}

	path, err := h.resolveJinglePath(jingle.FilePath)
	if err != nil {
		p.log.Warn().Str("file_path", jingle.FilePath).Msg("jingle path rejected")
		jingleErr("invalid file path")
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		jingleErr("file not found")
		return
	}
	fileSize := info.Size()

	h.mu.Lock()
	if _, active := h.activeJingles[payload.BuzzerID]; active {
		h.mu.Unlock()
		jingleErr("already playing")
		return
	}
	h.activeJingles[payload.BuzzerID] = buzzer
	h.mu.Unlock()

	format := strings.TrimPrefix(filepath.Ext(path), ".")
	buzzer.sendMessageBlocking(domain.TypeJingleStart, domain.JingleStartPayload{
		JingleID: jingle.ID,
		Name:     jingle.Name,
		Format:   format,
		FileSize: fileSize,
	})
	p.sendMessage(domain.TypeJingleStarted, domain.JingleStartedPayload{
		BuzzerID: payload.BuzzerID,
		JingleID: jingle.ID,
		FileSize: fileSize,
	})

	go h.streamJingle(buzzer, payload.BuzzerID, jingle.ID, path, fileSize)
}

// resolveJinglePath resolves the stored path against the jingle root
// and rejects anything that escapes it.
func (h *Hub) resolveJinglePath(stored string) (string, error) {
	root, err := filepath.Abs(h.cfg.JingleDir)
	if err != nil {
		return "", err
	}
	path := stored
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes jingle root")
	}
	return path, nil
}

// streamJingle reads the file sequentially and pushes framed chunks
// through the buzzer's send channel, which serializes them in order.
// Holds no hub lock across the file reads.
func (h *Hub) streamJingle(buzzer *Peer, buzzerID string, jingleID int64, path string, fileSize int64) {
	defer func() {
		// Clear the flag only if this stream still owns it: after a
		// disconnect and re-register the same buzzerID may already be
		// carrying a newer peer's stream.
		h.mu.Lock()
		if h.activeJingles[buzzerID] == buzzer {
			delete(h.activeJingles, buzzerID)
		}
		h.mu.Unlock()
	}()

	f, err := os.Open(path)
	if err != nil {
		h.log.Error().Err(err).Str("path", path).Msg("jingle open failed")
		h.sendToConsole(domain.TypeJingleError, domain.JingleErrorPayload{
			BuzzerID: buzzerID,
			JingleID: jingleID,
			Error:    err.Error(),
		})
		return
	}
	defer f.Close()

	buf := make([]byte, jingleChunkSize)
	chunkIndex := 0
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunk := make([]byte, jingleHeaderSize+n)
			binary.LittleEndian.PutUint32(chunk[0:4], uint32(jingleID))
			binary.LittleEndian.PutUint32(chunk[4:8], uint32(chunkIndex))
			copy(chunk[jingleHeaderSize:], buf[:n])
			if !buzzer.enqueue(frame{messageType: websocket.BinaryMessage, data: chunk}) {
				// Buzzer gone mid-stream: abort, no JINGLE_END.
				h.log.Warn().Str("buzzer_id", buzzerID).Int64("jingle_id", jingleID).Msg("jingle stream aborted, buzzer disconnected")
				return
			}
			chunkIndex++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			h.log.Error().Err(err).Str("path", path).Msg("jingle read failed")
			h.sendToConsole(domain.TypeJingleError, domain.JingleErrorPayload{
				BuzzerID: buzzerID,
				JingleID: jingleID,
				Error:    err.Error(),
			})
			return
		}
	}

	buzzer.sendMessageBlocking(domain.TypeJingleEnd, domain.JingleEndPayload{
		JingleID:    jingleID,
		TotalChunks: chunkIndex,
		FileSize:    fileSize,
	})
	h.sendToConsole(domain.TypeJingleCompleted, domain.JingleCompletedPayload{
		BuzzerID:    buzzerID,
		JingleID:    jingleID,
		TotalChunks: chunkIndex,
	})
}
