package normalize_test

import (
	"fmt"
	"log"
	"time"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/normalize"
)

// ExampleNormalizer_Normalize parses a structured find report the way divers
// type them, with the controlled vocabulary folding "pottery" into "ceramic".
func ExampleNormalizer_Normalize() {
	n := normalize.New(nil)

	env := &normalize.Envelope{
		ChatID:    "chat-1",
		MessageID: "msg-1",
		UserID:    "u-1",
		Username:  "diveranna",
		Kind:      catalog.MessageFind,
		Text:      "site: WRK01\nfind: f-102\nmaterial: pottery\nqty: 3\ndepth: 18.5m",
		SentAt:    time.Date(2025, 6, 14, 9, 30, 0, 0, time.UTC),
	}

	rec, err := n.Normalize(env)
	if err != nil {
		log.Fatal(err)
	}

	find := rec.FindReport
	fmt.Println(find.SiteCode, find.FindNumber)
	fmt.Println(find.MaterialType, find.Quantity, *find.DepthM)

	// Output:
	// WRK01 F-102
	// ceramic 3 18.5
}

// ExampleNormalizer_Normalize_photoCaption shows the related-entity reference
// pulled from a photo caption so the engine can link it later.
func ExampleNormalizer_Normalize_photoCaption() {
	n := normalize.New(nil)

	env := &normalize.Envelope{
		ChatID:    "chat-1",
		MessageID: "msg-2",
		UserID:    "u-1",
		Kind:      catalog.MessagePhoto,
		Text:      "find F-102",
		Blob: &normalize.BlobMeta{
			Ref:       "photos/amphora.jpg",
			FileName:  "amphora.jpg",
			SizeBytes: 2048,
		},
		SentAt: time.Date(2025, 6, 14, 9, 32, 0, 0, time.UTC),
	}

	rec, err := n.Normalize(env)
	if err != nil {
		log.Fatal(err)
	}

	asset := rec.MediaAsset
	fmt.Println(asset.Kind, asset.FileName)
	fmt.Println("related:", asset.RelatedRef)

	// Output:
	// photo amphora.jpg
	// related: F-102
}
