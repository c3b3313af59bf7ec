package embeddings

// fastEmbedModelDimension returns the output dimension of a known fastembed
// model constant.
func fastEmbedModelDimension(model string) (int, bool) {
	dims := map[string]int{
		"fast-bge-small-en-v1.5": 384,
		"fast-bge-small-en":      384,
		"fast-bge-base-en-v1.5":  768,
		"fast-bge-base-en":       768,
		"fast-bge-small-zh-v1.5": 512,
		"fast-all-MiniLM-L6-v2":  384,
	}
	dim, ok := dims[model]
	return dim, ok
}

// KnownModelDimension returns the output dimension for well-known embedding
// models served by TEI, OpenAI or fastembed.
func KnownModelDimension(model string) (int, bool) {
	switch model {
	case "BAAI/bge-small-en-v1.5", "BAAI/bge-small-en", "sentence-transformers/all-MiniLM-L6-v2":
		return 384, true
	case "BAAI/bge-base-en-v1.5", "BAAI/bge-base-en":
		return 768, true
	case "BAAI/bge-small-zh-v1.5":
		return 512, true
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536, true
	case "text-embedding-3-large":
		return 3072, true
	}
	return fastEmbedModelDimension(model)
}
