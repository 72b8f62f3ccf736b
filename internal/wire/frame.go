// Package wire — кадрирование бизнес-протокола агентов.
// Кадр: 4 байта длины (big-endian) + тело. Тело для транспорта непрозрачно:
// роутер обязан пересылать его байт-в-байт, не заглядывая внутрь.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize — защита от мусора в длине кадра: больше 16MB не читаем.
const MaxFrameSize = 16 << 20

// WriteFrame пишет один кадр целиком.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame читает ровно один кадр.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return payload, nil
}
