package protocol

import "time"

// Call describes one tool-call kind: the request tag the server sends, the
// response tag it waits for, and the default wait budget.
type Call struct {
	// Name is a short identifier used in logs and configuration.
	Name     string
	Request  Kind
	Response Kind
	Timeout  time.Duration
}

// Call kinds. Heavier extraction routines get longer budgets.
var (
	CallDataLayer = Call{
		Name: "datalayer", Request: KindRequestDataLayer, Response: KindDataLayerResponse,
		Timeout: 15 * time.Second,
	}
	CallGA4Hits = Call{
		Name: "ga4_hits", Request: KindRequestGA4Hits, Response: KindGA4HitsResponse,
		Timeout: 15 * time.Second,
	}
	CallMetaPixelHits = Call{
		Name: "meta_pixel_hits", Request: KindRequestMetaPixelHits, Response: KindMetaPixelHitsResponse,
		Timeout: 15 * time.Second,
	}
	CallGTMPreviewEvents = Call{
		Name: "gtm_preview_events", Request: KindRequestGTMPreviewEvents, Response: KindGTMPreviewEventsResponse,
		Timeout: 30 * time.Second,
	}
	CallStructuredData = Call{
		Name: "structured_data", Request: KindRequestStructuredData, Response: KindStructuredDataResponse,
		Timeout: 20 * time.Second,
	}
	CallPageMetadata = Call{
		Name: "page_metadata", Request: KindRequestPageMetadata, Response: KindPageMetadataResponse,
		Timeout: 15 * time.Second,
	}
	CallCrawlability = Call{
		Name: "crawlability", Request: KindRequestCrawlability, Response: KindCrawlabilityResponse,
		Timeout: 20 * time.Second,
	}
)

// Calls lists every call kind.
func Calls() []Call {
	return []Call{
		CallDataLayer,
		CallGA4Hits,
		CallMetaPixelHits,
		CallGTMPreviewEvents,
		CallStructuredData,
		CallPageMetadata,
		CallCrawlability,
	}
}

// CallForRequest returns the call whose request tag is k.
func CallForRequest(k Kind) (Call, bool) {
	for _, c := range Calls() {
		if c.Request == k {
			return c, true
		}
	}
	return Call{}, false
}

// Class groups kinds by role.
type Class int

const (
	ClassUnknown Class = iota
	ClassControl
	ClassRequest
	ClassResponse
)

// Class reports the role of k.
func (k Kind) Class() Class {
	switch k {
	case KindKeepalivePing, KindKeepalivePong, KindConnectionAck, KindError:
		return ClassControl
	case KindRequestDataLayer, KindRequestGA4Hits, KindRequestMetaPixelHits,
		KindRequestGTMPreviewEvents, KindRequestStructuredData,
		KindRequestPageMetadata, KindRequestCrawlability:
		return ClassRequest
	case KindDataLayerResponse, KindGA4HitsResponse, KindMetaPixelHitsResponse,
		KindGTMPreviewEventsResponse, KindStructuredDataResponse,
		KindPageMetadataResponse, KindCrawlabilityResponse:
		return ClassResponse
	default:
		return ClassUnknown
	}
}

// Known reports whether k is part of the protocol.
func (k Kind) Known() bool {
	return k.Class() != ClassUnknown
}
