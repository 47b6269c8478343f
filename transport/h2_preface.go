package transport

import (
	"bufio"
	"io"

	"github.com/sardanioss/net/http2"
	"github.com/sardanioss/wirecloak/fingerprint"
)

// WritePreface writes the client connection preface followed by the
// profile's SETTINGS (declared order), the optional connection WINDOW_UPDATE
// and the PRIORITY frames, then flushes them as one write.
func WritePreface(w io.Writer, p *fingerprint.HTTP2Profile) error {
	bw := bufio.NewWriterSize(w, 512)
	if _, err := io.WriteString(bw, http2.ClientPreface); err != nil {
		return err
	}
	fr := http2.NewFramer(bw, nil)

	settings := make([]http2.Setting, len(p.Settings))
	for i, s := range p.Settings {
		settings[i] = http2.Setting{ID: http2.SettingID(s.ID), Val: s.Val}
	}
	if err := fr.WriteSettings(settings...); err != nil {
		return err
	}
	if p.ConnectionWindowUpdate > 0 {
		if err := fr.WriteWindowUpdate(0, p.ConnectionWindowUpdate); err != nil {
			return err
		}
	}
	for _, pr := range p.Priorities {
		if err := fr.WritePriority(pr.StreamID, priorityParam(pr)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func priorityParam(p fingerprint.Priority) http2.PriorityParam {
	return http2.PriorityParam{
		StreamDep: p.DependsOn,
		Exclusive: p.Exclusive,
		Weight:    uint8(p.Weight - 1),
	}
}
