package buffer

import (
	"github.com/anacrolix/torrent"
)

// ContiguousAheadPieceExact counts the verified bytes of f that follow from, piece by piece.
func ContiguousAheadPieceExact(t *torrent.Torrent, f *torrent.File, from int64) int64 {
	info := t.Info()
	if info == nil {
		return 0
	}
	fileLen := f.Length()
	if from >= fileLen {
		return 0
	}
	pieceLen := info.PieceLength
	if pieceLen <= 0 {
		return 0
	}

	fileStartGlobal := f.Offset() + from
	fileEndGlobal := f.Offset() + fileLen

	startPiece := int(fileStartGlobal / pieceLen)
	pieceOff := fileStartGlobal % pieceLen

	if t.PieceBytesMissing(startPiece) != 0 {
		return 0
	}

	ahead := min(fileEndGlobal, (int64(startPiece)+1)*pieceLen) - (int64(startPiece)*pieceLen + pieceOff)
	for p := startPiece + 1; int64(p)*pieceLen < fileEndGlobal; p++ {
		if t.PieceBytesMissing(p) != 0 {
			break
		}
		ps := int64(p) * pieceLen
		ahead += min(ps+pieceLen, fileEndGlobal) - ps
	}
	return ahead
}

// OffsetAt maps a playback position (seconds) to a byte offset assuming a constant bitrate.
func OffsetAt(length int64, duration, position float64) int64 {
	if length <= 0 || duration <= 0 || position <= 0 {
		return 0
	}
	off := int64(float64(length) * position / duration)
	return clamp(off, length)
}
