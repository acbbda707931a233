package isapitest

import (
	"fmt"
	"net/http"
	"strings"
)

// Channel is a fixture channel entry
type Channel struct {
	ID      string
	Name    string
	ResDesc string
}

// DeviceInfoXML is a typical NVR deviceInfo document
const DeviceInfoXML = `<?xml version="1.0" encoding="UTF-8"?>
<DeviceInfo version="2.0" xmlns="http://www.isapi.org/ver20/XMLSchema">
<deviceName>Network Video Recorder</deviceName>
<deviceID>48443030-3637-3534-3837-f84dfcf8ef1c</deviceID>
<model>DS-7608NI-I2/8P</model>
<serialNumber>DS-7608NI-I2/8P0820190316CCRRD00675487WCVU</serialNumber>
<macAddress>f8:4d:fc:f8:ef:1c</macAddress>
<firmwareVersion>V4.22.005</firmwareVersion>
<firmwareReleasedDate>build 191208</firmwareReleasedDate>
<encoderVersion>V5.0</encoderVersion>
<encoderReleasedDate>build 191208</encoderReleasedDate>
<deviceType>NVR</deviceType>
<telecontrolID>255</telecontrolID>
</DeviceInfo>`

// VideoInputChannelsXML renders a VideoInputChannelList
func VideoInputChannelsXML(channels ...Channel) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<VideoInputChannelList version="2.0" xmlns="http://www.isapi.org/ver20/XMLSchema">` + "\n")
	for _, ch := range channels {
		fmt.Fprintf(&b, "<VideoInputChannel version=\"2.0\">\n<id>%s</id>\n<inputPort>%s</inputPort>\n<name>%s</name>\n<videoFormat>PAL</videoFormat>\n<resDesc>%s</resDesc>\n</VideoInputChannel>\n",
			ch.ID, ch.ID, ch.Name, ch.ResDesc)
	}
	b.WriteString("</VideoInputChannelList>")
	return b.String()
}

// InputProxyChannelsXML renders an InputProxyChannelList
func InputProxyChannelsXML(channels ...Channel) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<InputProxyChannelList version="2.0" xmlns="http://www.isapi.org/ver20/XMLSchema">` + "\n")
	for _, ch := range channels {
		fmt.Fprintf(&b, "<InputProxyChannel version=\"2.0\">\n<id>%s</id>\n<name>%s</name>\n<sourceInputPortDescriptor>\n<proxyProtocol>HIKVISION</proxyProtocol>\n<addressingFormatType>ipaddress</addressingFormatType>\n<ipAddress>192.168.254.%s</ipAddress>\n<managePortNo>8000</managePortNo>\n<srcInputPort>1</srcInputPort>\n</sourceInputPortDescriptor>\n<resDesc>%s</resDesc>\n</InputProxyChannel>\n",
			ch.ID, ch.Name, ch.ID, ch.ResDesc)
	}
	b.WriteString("</InputProxyChannelList>")
	return b.String()
}

// CapabilitiesXML renders a StreamingChannel capabilities document
func CapabilitiesXML(channelID string, audio bool) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<StreamingChannel version="2.0" xmlns="http://www.isapi.org/ver20/XMLSchema">
<id>%s01</id>
<channelName>Camera 01</channelName>
<enabled opt="true">true</enabled>
<Video>
<enabled opt="true">true</enabled>
<videoInputChannelID opt="1">%s</videoInputChannelID>
<videoCodecType opt="H.264,H.265">H.264</videoCodecType>
<videoResolutionWidth opt="3840,2560,1920,1280">1920</videoResolutionWidth>
<videoResolutionHeight opt="2160,1440,1080,720">1080</videoResolutionHeight>
<videoQualityControlType opt="cbr,vbr">VBR</videoQualityControlType>
<constantBitRate min="32" max="8192">4096</constantBitRate>
<vbrUpperCap min="32" max="16384">4096</vbrUpperCap>
<maxFrameRate opt="2500,2200,2000,1800,1600,1500">2500</maxFrameRate>
</Video>
<Audio>
<enabled opt="true,false">%t</enabled>
<audioCompressionType opt="G.711ulaw,AAC">G.711ulaw</audioCompressionType>
</Audio>
</StreamingChannel>`, channelID, channelID, audio)
}

// EventXML renders an EventNotificationAlert
func EventXML(eventType, state, channelID string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<EventNotificationAlert version="2.0" xmlns="http://www.isapi.org/ver20/XMLSchema">
<ipAddress>192.168.1.64</ipAddress>
<portNo>80</portNo>
<protocol>HTTP</protocol>
<macAddress>f8:4d:fc:f8:ef:1c</macAddress>
<channelID>%s</channelID>
<dateTime>2024-05-01T10:15:30+02:00</dateTime>
<activePostCount>1</activePostCount>
<eventType>%s</eventType>
<eventState>%s</eventState>
<eventDescription>%s alarm</eventDescription>
</EventNotificationAlert>`, channelID, eventType, state, eventType)
}

// ResponseStatusXML renders the device's error document for status
func ResponseStatusXML(status int) string {
	sub := "ok"
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		sub = "unAuthorized"
	case http.StatusNotFound:
		sub = "notSupport"
	case http.StatusOK:
	default:
		sub = "deviceError"
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<ResponseStatus version="2.0" xmlns="http://www.isapi.org/ver20/XMLSchema">
<requestURL></requestURL>
<statusCode>%d</statusCode>
<statusString>%s</statusString>
<subStatusCode>%s</subStatusCode>
</ResponseStatus>`, status/100, http.StatusText(status), sub)
}
