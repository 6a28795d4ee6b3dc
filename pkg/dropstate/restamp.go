package dropstate

import (
	"math"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tysonmote/gommap"

	"github.com/rubythonode/tippecanoe/pkg/feature"
)

// Stats reports the outcome of a Restamp pass: the gamma-driven
// effective base zoom/drop rate diagnostic, plus how many records
// were touched and how many chain-mismatch warnings were raised.
type Stats struct {
	EffectiveBaseZoom       int
	EffectiveDropRate       float64
	RecordsStamped          int
	MismatchedIndexWarnings int
}

// Restamp re-derives feature_minzoom for every record in an
// already-sorted index file, now that basezoom/droprate/maxzoom are
// finally known. It is needed whenever radixsort.Sort ran with no
// Stamp (or a provisional one) because maxzoom, basezoom, or droprate
// were only guessable after seeing the fully sorted index. The result
// is written directly onto IndexRecord.FeatureMinzoom, which already
// carries a dedicated field for it.
//
// basezoom, effectiveBaseZoom, droprate and maxCounts (one entry per
// zoom 0..maxzoom, the largest single-tile feature count seen at that
// zoom during SelectBaseZoomAndDropRate) feed only the Stats
// diagnostic; pass effectiveBaseZoom <= 0 to skip it, which matches
// the case where gamma-driven thinning never ran.
func Restamp(indexPath string, ds []DropState, maxzoom int, opts Options, basezoom, effectiveBaseZoom int, droprate float64, maxCounts []int64) (Stats, error) {
	f, err := os.OpenFile(indexPath, os.O_RDWR, 0)
	if err != nil {
		return Stats{}, errors.Wrap(err, "dropstate: opening sorted index for restamp")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Stats{}, errors.Wrap(err, "dropstate: stat'ing sorted index")
	}
	if st.Size() == 0 {
		return Stats{}, nil
	}

	m, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return Stats{}, errors.Wrap(err, "dropstate: mapping sorted index for restamp")
	}
	defer m.UnsafeUnmap()
	_ = m.Advise(gommap.MADV_SEQUENTIAL)

	records, err := feature.OverlayIndexRecords([]byte(m))
	if err != nil {
		return Stats{}, errors.Wrap(err, "dropstate: overlaying sorted index for restamp")
	}

	stats := Stats{EffectiveBaseZoom: effectiveBaseZoom}
	if effectiveBaseZoom > 0 {
		stats.EffectiveDropRate = effectiveDropRate(droprate, basezoom, effectiveBaseZoom, maxCounts)
	}

	for i := range records {
		if i > 0 && records[i].GeomStart != records[i-1].GeomEnd {
			stats.MismatchedIndexWarnings++
			log.WithFields(log.Fields{
				"index":      i,
				"want_start": records[i-1].GeomEnd,
				"got_start":  records[i].GeomStart,
			}).Warn("dropstate: mismatched index chain during restamp")
		}
		records[i].FeatureMinzoom = CalcFeatureMinzoom(records[i], ds, maxzoom, opts)
		stats.RecordsStamped++
	}

	return stats, nil
}

// effectiveDropRate computes the ratio once gamma has made the real
// dropout shallower than requested: the single drop rate that would,
// applied uniformly, take zoom 0's peak tile count down to the
// effective base zoom's peak count over that many zoom steps. Folds
// fullcount out of the ratio, since SelectBaseZoomAndDropRate doesn't
// carry fullCount past its own scan, so this is an approximation
// rather than an exact accounting of gamma's effect.
func effectiveDropRate(droprate float64, basezoom, effective int, maxCounts []int64) float64 {
	if effective <= 0 || effective >= len(maxCounts) || maxCounts[0] <= 0 || maxCounts[effective] <= 0 {
		return droprate
	}
	ratio := float64(maxCounts[0]) / float64(maxCounts[effective])
	return math.Exp(math.Log(ratio) / float64(effective))
}
