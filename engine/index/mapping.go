package index

import "fmt"

// VectorDimension is fixed at startup; a vector of any other length is
// rejected before indexing.
const VectorDimension = 1024

// VectorModel names the embedding model recorded on documents.
const VectorModel = "multimodal-clip-v1"

// indexBody is the index-creation request: Japanese morphological analysis
// for text fields, keyword identity fields, and one HNSW cosine knn field.
const indexBody = `{
  "settings": {
    "index": {
      "number_of_shards": 3,
      "number_of_replicas": 1,
      "knn": true
    },
    "analysis": {
      "analyzer": {
        "ja_text": {
          "type": "custom",
          "tokenizer": "kuromoji_tokenizer",
          "filter": [
            "kuromoji_baseform",
            "kuromoji_part_of_speech",
            "ja_stop",
            "kuromoji_number",
            "cjk_width",
            "lowercase"
          ]
        }
      }
    }
  },
  "mappings": {
    "properties": {
      "fileId":        {"type": "keyword"},
      "fileName":      {"type": "text", "analyzer": "ja_text", "fields": {"raw": {"type": "keyword"}}},
      "filePath":      {"type": "text", "analyzer": "ja_text", "fields": {"raw": {"type": "keyword"}}},
      "fileKey":       {"type": "keyword"},
      "bucket":        {"type": "keyword"},
      "fileExtension": {"type": "keyword"},
      "mimeType":      {"type": "keyword"},
      "fileSize":      {"type": "long"},

      "createdAt":   {"type": "date"},
      "modifiedAt":  {"type": "date"},
      "indexedAt":   {"type": "date"},
      "processedAt": {"type": "date"},

      "extractedText": {"type": "text", "analyzer": "ja_text"},
      "content":       {"type": "text", "analyzer": "ja_text"},
      "pageCount":     {"type": "integer"},
      "wordCount":     {"type": "integer"},
      "charCount":     {"type": "integer"},

      "category":        {"type": "keyword"},
      "categoryDisplay": {"type": "keyword"},
      "nasServer":       {"type": "keyword"},
      "rootFolder":      {"type": "keyword"},
      "nasPath":         {"type": "text", "analyzer": "ja_text", "fields": {"raw": {"type": "keyword"}}},

      "thumbnailUrl":       {"type": "keyword", "index": false},
      "thumbnailS3Key":     {"type": "keyword"},
      "previewImages": {
        "type": "object",
        "properties": {
          "page":   {"type": "integer"},
          "s3Key":  {"type": "keyword"},
          "width":  {"type": "integer"},
          "height": {"type": "integer"},
          "size":   {"type": "long"}
        }
      },
      "totalPages":         {"type": "integer"},
      "previewGeneratedAt": {"type": "date"},

      "imageVector": {
        "type": "knn_vector",
        "dimension": %d,
        "method": {
          "name": "hnsw",
          "space_type": "cosinesimil",
          "engine": "nmslib",
          "parameters": {"ef_construction": 128, "m": 16}
        }
      },
      "vectorDimension": {"type": "integer"},
      "vectorModel":     {"type": "keyword"},
      "vectorUpdatedAt": {"type": "date"},

      "ocrText":       {"type": "text", "analyzer": "ja_text"},
      "ocrConfidence": {"type": "float"},
      "ocrLanguage":   {"type": "keyword"},

      "processingStatus":      {"type": "keyword"},
      "errorMessage":          {"type": "text"},
      "success":               {"type": "boolean"},
      "processorName":         {"type": "keyword"},
      "processorVersion":      {"type": "keyword"},
      "processingTimeSeconds": {"type": "float"}
    }
  }
}`

// IndexBody returns the creation body with the vector dimension applied.
func IndexBody(dimension int) string {
	return fmt.Sprintf(indexBody, dimension)
}
