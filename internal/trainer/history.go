package trainer

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

// History of the training losses, one entry per epoch.
type History struct {
	QLoss, PLoss []float32
}

// Append the losses of one epoch.
func (h *History) Append(qLoss, pLoss float32) {
	h.QLoss = append(h.QLoss, qLoss)
	h.PLoss = append(h.PLoss, pLoss)
}

// Len returns the number of entries.
func (h *History) Len() int { return len(h.QLoss) }

// Save the history to filePath with gob.
func (h *History) Save(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create training history file %s", filePath)
	}
	if err = gob.NewEncoder(f).Encode(h); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode training history to %s", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close training history file %s", filePath)
	}
	return nil
}

// LoadHistory from filePath. If the file doesn't exist, it returns an empty History.
func LoadHistory(filePath string) (*History, error) {
	h := &History{}
	f, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return h, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open training history file %s", filePath)
	}
	defer func() { _ = f.Close() }()
	if err = gob.NewDecoder(f).Decode(h); err != nil {
		return nil, errors.Wrapf(err, "failed to decode training history from %s", filePath)
	}
	return h, nil
}
