package imap

import (
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/maildriver/internal/models"
)

// AttachmentsFromStructure walks a BODYSTRUCTURE and lists the attachment parts.
// Ids are IMAP part paths ("2", "1.3"). Bodies are left empty.
func AttachmentsFromStructure(bs *imap.BodyStructure) []models.Attachment {
	var out []models.Attachment
	walkStructure(bs, nil, &out)
	return out
}

func walkStructure(bs *imap.BodyStructure, path []int, out *[]models.Attachment) {
	if bs == nil {
		return
	}
	if strings.EqualFold(bs.MIMEType, "multipart") {
		for i, part := range bs.Parts {
			child := make([]int, len(path), len(path)+1)
			copy(child, path)
			walkStructure(part, append(child, i+1), out)
		}
		return
	}

	filename := structureFilename(bs)
	disposition := strings.ToLower(bs.Disposition)
	isAttachment := filename != "" || disposition == "attachment" || disposition == "inline"
	// An inline text part without a name is a body, not an attachment.
	if disposition == "inline" && filename == "" && strings.EqualFold(bs.MIMEType, "text") {
		isAttachment = false
	}
	if !isAttachment {
		return
	}

	headers := map[string]string{}
	if bs.Disposition != "" {
		headers["content-disposition"] = bs.Disposition
	}
	if bs.Encoding != "" {
		headers["content-transfer-encoding"] = bs.Encoding
	}

	*out = append(*out, models.Attachment{
		Filename:     filename,
		MimeType:     strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType),
		Size:         int64(bs.Size),
		AttachmentID: partPath(path),
		ContentID:    strings.Trim(bs.Id, "<>"),
		Headers:      headers,
	})
}

func structureFilename(bs *imap.BodyStructure) string {
	if name, err := bs.Filename(); err == nil && name != "" {
		return name
	}
	if name := bs.DispositionParams["filename"]; name != "" {
		return decodeHeaderValue(name)
	}
	if name := bs.Params["name"]; name != "" {
		return decodeHeaderValue(name)
	}
	return ""
}

func partPath(path []int) string {
	if len(path) == 0 {
		return "1"
	}
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ".")
}

// AttachmentsFromMIME parses the full RFC 822 source and returns every attachment
// with its content base64-encoded.
func AttachmentsFromMIME(r io.Reader) ([]models.Attachment, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MIME source: %w", err)
	}
	return attachmentsFromEnvelope(env), nil
}

func attachmentsFromEnvelope(env *enmime.Envelope) []models.Attachment {
	parts := make([]*enmime.Part, 0, len(env.Attachments)+len(env.Inlines))
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.Inlines...)

	out := make([]models.Attachment, 0, len(parts))
	for _, p := range parts {
		if p.FileName == "" && p.ContentID == "" {
			continue
		}
		headers := make(map[string]string, len(p.Header))
		for k := range p.Header {
			headers[strings.ToLower(k)] = p.Header.Get(k)
		}
		out = append(out, models.Attachment{
			Filename:     p.FileName,
			MimeType:     p.ContentType,
			Size:         int64(len(p.Content)),
			AttachmentID: p.PartID,
			ContentID:    strings.Trim(p.ContentID, "<>"),
			Headers:      headers,
			Body:         base64.StdEncoding.EncodeToString(p.Content),
		})
	}
	return out
}

// MergeAttachments combines structure-derived entries, which carry the IMAP part
// ids, with source-derived entries, which carry content. A parsed entry fills the
// first unfilled structural entry with the same filename; the rest are appended
// unless an entry with the same filename and size is already present.
func MergeAttachments(structural, parsed []models.Attachment) []models.Attachment {
	result := make([]models.Attachment, len(structural))
	copy(result, structural)
	filled := make([]bool, len(result))

	for _, p := range parsed {
		matched := false
		for i := range result {
			if filled[i] || result[i].Filename != p.Filename {
				continue
			}
			if p.Body != "" {
				result[i].Body = p.Body
				result[i].Size = p.Size
			}
			if result[i].ContentID == "" {
				result[i].ContentID = p.ContentID
			}
			headers := make(map[string]string, len(result[i].Headers)+len(p.Headers))
			for k, v := range p.Headers {
				headers[k] = v
			}
			for k, v := range result[i].Headers {
				headers[k] = v
			}
			result[i].Headers = headers
			filled[i] = true
			matched = true
			break
		}
		if matched {
			continue
		}

		duplicate := false
		for _, existing := range result {
			if existing.Filename == p.Filename && existing.Size == p.Size {
				duplicate = true
				break
			}
		}
		if !duplicate {
			result = append(result, p)
			filled = append(filled, true)
		}
	}
	return result
}

// FindAttachment returns the attachment with the given id. Filenames are accepted
// as a fallback id.
func FindAttachment(attachments []models.Attachment, id string) (models.Attachment, bool) {
	for _, a := range attachments {
		if a.AttachmentID == id {
			return a, true
		}
	}
	for _, a := range attachments {
		if a.Filename != "" && a.Filename == id {
			return a, true
		}
	}
	return models.Attachment{}, false
}
