package demux

import "github.com/zsiec/ccx"

// captionDecoder turns the CEA-608 byte pairs and DTVCC packets carried in
// SEI user data into caption text per channel. Channels 1-4 are CEA-608
// CC1-CC4; channels 7-12 are CEA-708 services 1-6.
type captionDecoder struct {
	cea608   map[int]*ccx.CEA608Decoder
	cea708   map[int]*ccx.CEA708Service
	dtvccBuf []byte

	// Control codes are sent twice for robustness; the repeat is dropped
	// when it arrives within two frames on the same field.
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64
}

func newCaptionDecoder() *captionDecoder {
	c := &captionDecoder{
		cea608: make(map[int]*ccx.CEA608Decoder, 4),
		cea708: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		c.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		c.cea708[svc] = ccx.NewCEA708Service()
	}
	return c
}

// decode feeds one SEI NAL unit and returns the caption frames whose text
// changed. frame is the running video frame counter.
func (c *captionDecoder) decode(sei []byte, pts int64, frame int64) []*ccx.CaptionFrame {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}

	var out []*ccx.CaptionFrame
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field
		if f < 0 || f > 1 {
			continue
		}
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if c.lastWasCtrl[f] && c.lastCtrl[f] == cp && frame-c.lastCtrlFrame[f] <= 2 {
				c.lastWasCtrl[f] = false
				continue
			}
			c.lastCtrl[f] = cp
			c.lastWasCtrl[f] = true
			c.lastCtrlFrame[f] = frame
		} else {
			c.lastWasCtrl[f] = false
		}

		dec := c.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			out = append(out, &ccx.CaptionFrame{
				PTS:     pts,
				Text:    text,
				Channel: pair.Channel,
				Regions: dec.StyledRegions(),
			})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = append(out, c.drainDTVCC(pts)...)
			c.dtvccBuf = c.dtvccBuf[:0]
		}
		c.dtvccBuf = append(c.dtvccBuf, t.Data[0], t.Data[1])
	}
	return out
}

func (c *captionDecoder) drainDTVCC(pts int64) []*ccx.CaptionFrame {
	if len(c.dtvccBuf) < 1 {
		return nil
	}
	size := ccx.DTVCCPacketSize(c.dtvccBuf[0])
	if len(c.dtvccBuf) < size {
		return nil
	}

	var out []*ccx.CaptionFrame
	for _, block := range ccx.ParseDTVCCPacket(c.dtvccBuf[:size]) {
		svc := c.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			out = append(out, &ccx.CaptionFrame{
				PTS:     pts,
				Text:    text,
				Channel: block.ServiceNum + 6,
				Regions: svc.StyledRegions(),
			})
		}
	}
	c.dtvccBuf = c.dtvccBuf[size:]
	return out
}
