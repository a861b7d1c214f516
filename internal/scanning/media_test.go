package scanning

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseDataURI", func() {
	It("decodes a base64 data URI", func() {
		m, err := ParseDataURI("data:image/JPEG;base64,aGVsbG8=")
		Expect(err).NotTo(HaveOccurred())
		Expect(m.MIMEType).To(Equal("image/jpeg"))
		Expect(m.Data).To(Equal([]byte("hello")))
	})

	It("round-trips through DataURI", func() {
		m := Media{Data: []byte{1, 2, 3}, MIMEType: "application/pdf"}
		parsed, err := ParseDataURI(m.DataURI())
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed).To(Equal(m))
	})

	DescribeTable("rejects malformed input",
		func(uri string) {
			_, err := ParseDataURI(uri)
			Expect(err).To(HaveOccurred())
		},
		Entry("no prefix", "image/png;base64,aGVsbG8="),
		Entry("no payload separator", "data:image/png;base64"),
		Entry("not base64", "data:image/png,hello"),
		Entry("no MIME type", "data:;base64,aGVsbG8="),
		Entry("empty payload", "data:image/png;base64,"),
		Entry("bad base64", "data:image/png;base64,!!!"),
	)
})

var _ = Describe("Media", func() {
	It("recognizes video", func() {
		Expect(Media{MIMEType: "video/quicktime"}.IsVideo()).To(BeTrue())
		Expect(Media{MIMEType: "image/png"}.IsVideo()).To(BeFalse())
	})

	DescribeTable("maps extensions and content types both ways",
		func(ext, mimeType string) {
			Expect(ContentTypeForExtension(ext)).To(Equal(mimeType))
			Expect(ExtensionForContentType(mimeType)).To(Equal(ext))
		},
		Entry("png", ".png", "image/png"),
		Entry("pdf", ".pdf", "application/pdf"),
		Entry("heic", ".heic", "image/heic"),
		Entry("mp4", ".mp4", "video/mp4"),
		Entry("mov", ".mov", "video/quicktime"),
	)

	It("falls back for unknown types", func() {
		Expect(ContentTypeForExtension(".xyz")).To(Equal("application/octet-stream"))
		Expect(ExtensionForContentType("application/zip")).To(Equal(".bin"))
	})
})
