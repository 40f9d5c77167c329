// Package streamdeck drives Elgato Stream Deck devices over USB HID and uses
// them as a layer trigger pad.
package streamdeck

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	xdraw "golang.org/x/image/draw"

	"rafaelmartins.com/p/usbhid"
)

const elgatoVendorID = 0x0fd9

type Model struct {
	Name     string
	Keys     int
	KeyRows  int
	KeyCols  int
	KeySize  int
	FlipKeys bool
}

var ModelXL = Model{Name: "XL", Keys: 32, KeyRows: 4, KeyCols: 8, KeySize: 96, FlipKeys: true}

var ModelMK2 = Model{Name: "MK.2", Keys: 15, KeyRows: 3, KeyCols: 5, KeySize: 72, FlipKeys: true}

var ModelPlus = Model{Name: "Plus", Keys: 8, KeyRows: 2, KeyCols: 4, KeySize: 120}

var productModels = map[uint16]*Model{
	0x006c: &ModelXL,
	0x008f: &ModelXL,
	0x006d: &ModelMK2,
	0x0080: &ModelMK2,
	0x0084: &ModelPlus,
}

type Device struct {
	dev   *usbhid.Device
	model *Model
}

// Open opens the first supported Stream Deck.
func Open() (*Device, error) {
	devices, err := usbhid.Enumerate(func(dev *usbhid.Device) bool {
		return dev.VendorId() == elgatoVendorID && productModels[dev.ProductId()] != nil
	})
	if err != nil {
		return nil, fmt.Errorf("streamdeck: enumerate: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("streamdeck: no device found")
	}

	dev := devices[0]
	if err := dev.Open(true); err != nil {
		return nil, fmt.Errorf("streamdeck: open: %w", err)
	}
	return &Device{dev: dev, model: productModels[dev.ProductId()]}, nil
}

func (d *Device) Model() *Model        { return d.model }
func (d *Device) Close() error         { return d.dev.Close() }
func (d *Device) SerialNumber() string { return d.dev.SerialNumber() }
func (d *Device) Product() string      { return d.dev.Product() }

func (d *Device) SetBrightness(perc byte) error {
	pl := make([]byte, d.dev.GetFeatureReportLength())
	pl[0] = 0x08
	pl[1] = min(perc, 100)
	return d.dev.SetFeatureReport(3, pl)
}

func (d *Device) Reset() error {
	pl := make([]byte, d.dev.GetFeatureReportLength())
	pl[0] = 0x02
	return d.dev.SetFeatureReport(3, pl)
}

func (d *Device) SetKeyColor(key int, c color.Color) error {
	sz := d.model.KeySize
	img := image.NewRGBA(image.Rect(0, 0, sz, sz))
	xdraw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, xdraw.Src)
	return d.SetKeyImage(key, img)
}

func (d *Device) SetKeyImage(key int, img image.Image) error {
	if key < 0 || key >= d.model.Keys {
		return fmt.Errorf("streamdeck: invalid key %d", key)
	}
	data, err := encodeKey(d.model, img)
	if err != nil {
		return fmt.Errorf("streamdeck: key %d: %w", key, err)
	}
	for _, page := range keyPages(byte(key), data, int(d.dev.GetOutputReportLength())) {
		if err := d.dev.SetOutputReport(2, page); err != nil {
			return fmt.Errorf("streamdeck: key %d: %w", key, err)
		}
	}
	return nil
}

// encodeKey scales img to the key size, rotates it for models mounted
// upside down and encodes it as JPEG.
func encodeKey(m *Model, img image.Image) ([]byte, error) {
	sz := m.KeySize
	scaled := image.NewRGBA(image.Rect(0, 0, sz, sz))
	xdraw.BiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), xdraw.Over, nil)

	src := scaled
	if m.FlipKeys {
		src = image.NewRGBA(scaled.Bounds())
		for y := range sz {
			for x := range sz {
				src.SetRGBA(sz-1-x, sz-1-y, scaled.RGBAAt(x, y))
			}
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 95}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// keyPages splits an encoded key image into output reports of reportLen
// bytes: an 8 byte header then payload, zero padded.
func keyPages(key byte, data []byte, reportLen int) [][]byte {
	const hdrLen = 8
	payloadLen := reportLen - hdrLen

	var pages [][]byte
	for page, start := 0, 0; start < len(data); page++ {
		end := min(start+payloadLen, len(data))
		last := byte(0)
		if end == len(data) {
			last = 1
		}
		chunk := data[start:end]

		report := make([]byte, reportLen)
		report[0] = 0x02
		report[1] = 0x07
		report[2] = key
		report[3] = last
		binary.LittleEndian.PutUint16(report[4:], uint16(len(chunk)))
		binary.LittleEndian.PutUint16(report[6:], uint16(page))
		copy(report[hdrLen:], chunk)
		pages = append(pages, report)
		start = end
	}
	return pages
}

type KeyEvent struct {
	Key     int
	Pressed bool
	Time    time.Time
}

// ReadKeys blocks reading input reports and sends a KeyEvent for every key
// whose state changed. It returns when the device fails or is closed.
func (d *Device) ReadKeys(ch chan<- KeyEvent) error {
	states := make([]byte, d.model.Keys)
	for {
		_, buf, err := d.dev.GetInputReport()
		if err != nil {
			return fmt.Errorf("streamdeck: read: %w", err)
		}
		for _, ev := range keyChanges(buf, states) {
			ev.Time = time.Now()
			ch <- ev
		}
	}
}

// keyChanges diffs a key input report against states and updates it.
func keyChanges(buf []byte, states []byte) []KeyEvent {
	const keyStart = 3
	if len(buf) < 4 || buf[0] != 0x00 {
		return nil
	}
	var evs []KeyEvent
	for i := range states {
		if keyStart+i >= len(buf) {
			break
		}
		st := buf[keyStart+i]
		if st != states[i] {
			evs = append(evs, KeyEvent{Key: i, Pressed: st > 0})
			states[i] = st
		}
	}
	return evs
}
