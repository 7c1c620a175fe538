// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package devices

import (
	"image"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/wave"
)

func noRelease() {}

// blankVideo replaces frames with black ones of same size while enabled
// returns false.
func blankVideo(enabled func() bool) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		return video.ReaderFunc(func() (image.Image, func(), error) {
			img, release, err := r.Read()
			if err != nil || enabled() {
				return img, release, err
			}
			black := blackImage(img)
			if release != nil {
				release()
			}
			return black, noRelease, nil
		})
	}
}

func blackImage(img image.Image) image.Image {
	b := img.Bounds()
	if src, ok := img.(*image.YCbCr); ok {
		dst := image.NewYCbCr(b, src.SubsampleRatio)
		// Y is zero already
		for i := range dst.Cb {
			dst.Cb[i] = 128
		}
		for i := range dst.Cr {
			dst.Cr[i] = 128
		}
		return dst
	}

	dst := image.NewRGBA(b)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// silenceAudio replaces chunks with silence of same layout while enabled
// returns false.
func silenceAudio(enabled func() bool) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil || enabled() {
				return chunk, release, err
			}
			silent := silentChunk(chunk)
			if release != nil {
				release()
			}
			return silent, noRelease, nil
		})
	}
}

func silentChunk(chunk wave.Audio) wave.Audio {
	info := chunk.ChunkInfo()
	switch chunk.(type) {
	case *wave.Float32Interleaved:
		return wave.NewFloat32Interleaved(info)
	case *wave.Float32NonInterleaved:
		return wave.NewFloat32NonInterleaved(info)
	case *wave.Int16NonInterleaved:
		return wave.NewInt16NonInterleaved(info)
	}
	return wave.NewInt16Interleaved(info)
}
