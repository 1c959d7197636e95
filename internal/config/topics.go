package config

const (
	// TopicIngestAsset carries freshly uploaded assets to the dispatch router.
	TopicIngestAsset = "ingest.asset"

	// TopicIngestImage is consumed by the image description adapter.
	TopicIngestImage = "ingest.image"

	// TopicIngestAudio is consumed by the speech-to-text adapter.
	TopicIngestAudio = "ingest.audio"

	// TopicIngestVideo is consumed by the video decomposer.
	TopicIngestVideo = "ingest.video"

	// TopicIngestDocument is consumed by the PDF text adapter.
	TopicIngestDocument = "ingest.document"

	// TopicIngestLink is consumed by the YouTube transcript adapter.
	TopicIngestLink = "ingest.link"

	// TopicIngestEmbed is the NSQ topic for embedding generation tasks.
	TopicIngestEmbed = "ingest.embed"

	// TopicDeadLetter receives payloads that exhausted their attempts.
	TopicDeadLetter = "ingest.deadletter"
)

// AllTopics lists every topic the pipeline publishes to.
var AllTopics = []string{
	TopicIngestAsset,
	TopicIngestImage,
	TopicIngestAudio,
	TopicIngestVideo,
	TopicIngestDocument,
	TopicIngestLink,
	TopicIngestEmbed,
	TopicDeadLetter,
}
